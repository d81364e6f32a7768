package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/pressroom/pressroom/pkg/models"
)

// A4 paper in inches, with the original service's 0.5cm margins.
const (
	a4WidthIn  = 8.27
	a4HeightIn = 11.69
	marginIn   = 0.2
)

// settleDelay gives late-loading content a moment after navigation before
// capture.
const settleDelay = 2 * time.Second

// ChromeRenderer drives a shared headless Chrome instance; each render runs
// in its own tab.
type ChromeRenderer struct {
	execPath string

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeRenderer creates a renderer. execPath optionally pins the browser
// binary; when empty, chromedp discovers one.
func NewChromeRenderer(execPath string) *ChromeRenderer {
	return &ChromeRenderer{execPath: execPath}
}

// Start launches the browser. The context bounds the browser's lifetime, not
// a single render.
func (r *ChromeRenderer) Start(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}

	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	r.browserCtx, r.browserCancel = chromedp.NewContext(r.allocCtx)

	// Run with no actions forces the browser to launch now, so a broken
	// Chrome install fails at startup instead of on the first job.
	if err := chromedp.Run(r.browserCtx); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	return nil
}

// Close tears down the browser.
func (r *ChromeRenderer) Close() {
	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
}

// Render navigates a fresh tab to url and captures it as PDF bytes.
func (r *ChromeRenderer) Render(ctx context.Context, url, mode string, navTimeout time.Duration) ([]byte, error) {
	if r.browserCtx == nil {
		return nil, TransientError("browser not started", nil)
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	// The tab is parented to the browser context, not the caller's, so the
	// caller's deadline and cancellation are propagated by hand.
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	navCtx, cancelNav := context.WithTimeout(tabCtx, navTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, TransientError("job timeout during navigation", err)
			}
			return nil, TransientError(fmt.Sprintf("navigation timeout after %s", navTimeout), err)
		}
		return nil, TransientError("navigation failed", err)
	}

	if err := chromedp.Run(tabCtx, chromedp.Sleep(settleDelay)); err != nil {
		return nil, TransientError("job timeout while settling", err)
	}

	switch mode {
	case models.RenderModePrintToPDF:
		return r.printToPDF(tabCtx)
	case models.RenderModeScreenshotToPDF:
		return r.screenshotToPDF(tabCtx)
	default:
		return nil, PermanentError(fmt.Sprintf("unknown render mode: %q", mode), nil)
	}
}

func (r *ChromeRenderer) printToPDF(tabCtx context.Context) ([]byte, error) {
	var pdf []byte
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithDisplayHeaderFooter(false).
			WithPaperWidth(a4WidthIn).
			WithPaperHeight(a4HeightIn).
			WithMarginTop(marginIn).
			WithMarginBottom(marginIn).
			WithMarginLeft(marginIn).
			WithMarginRight(marginIn).
			Do(ctx)
		if err != nil {
			return err
		}
		pdf = buf
		return nil
	}))
	if err != nil {
		return nil, TransientError("print to PDF failed", err)
	}
	if len(pdf) == 0 {
		return nil, TransientError("browser produced an empty PDF", nil)
	}
	return pdf, nil
}

func (r *ChromeRenderer) screenshotToPDF(tabCtx context.Context) ([]byte, error) {
	var shot []byte
	// Quality 100 makes FullScreenshot capture PNG.
	if err := chromedp.Run(tabCtx, chromedp.FullScreenshot(&shot, 100)); err != nil {
		return nil, TransientError("full-page screenshot failed", err)
	}
	pdf, err := pngToPDF(shot)
	if err != nil {
		return nil, PermanentError("screenshot conversion failed", err)
	}
	return pdf, nil
}

// Compile-time check that ChromeRenderer implements Renderer.
var _ Renderer = (*ChromeRenderer)(nil)
