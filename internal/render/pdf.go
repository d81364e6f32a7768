package render

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/go-pdf/fpdf"
)

// Screenshots come out of the browser at 96 DPI; PDF space is 72 points per
// inch.
const pointsPerPixel = 72.0 / 96.0

// pngToPDF wraps a full-page PNG screenshot into a single-page PDF sized to
// the image.
func pngToPDF(pngBytes []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("screenshot has empty dimensions %dx%d", cfg.Width, cfg.Height)
	}

	widthPt := float64(cfg.Width) * pointsPerPixel
	heightPt := float64(cfg.Height) * pointsPerPixel

	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: widthPt, Ht: heightPt},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	doc.RegisterImageOptionsReader("screenshot", opts, bytes.NewReader(pngBytes))
	doc.ImageOptions("screenshot", 0, 0, widthPt, heightPt, false, opts, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("write screenshot PDF: %w", err)
	}
	return buf.Bytes(), nil
}
