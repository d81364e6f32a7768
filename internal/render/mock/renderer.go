package mock

import (
	"context"
	"sync"
	"time"

	"github.com/pressroom/pressroom/internal/render"
)

// PDFStub is a minimal valid-looking PDF body for tests.
var PDFStub = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// Renderer satisfies render.Renderer for testing.
type Renderer struct {
	mu    sync.Mutex
	calls int

	RenderFunc func(ctx context.Context, url, mode string, navTimeout time.Duration) ([]byte, error)
}

func (m *Renderer) Render(ctx context.Context, url, mode string, navTimeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, url, mode, navTimeout)
	}
	return PDFStub, nil
}

// Calls returns how many times Render has been invoked.
func (m *Renderer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// NewSucceeding returns a renderer that always produces PDFStub.
func NewSucceeding() *Renderer {
	return &Renderer{}
}

// NewFailing returns a renderer that always returns err.
func NewFailing(err error) *Renderer {
	return &Renderer{
		RenderFunc: func(context.Context, string, string, time.Duration) ([]byte, error) {
			return nil, err
		},
	}
}

// NewFailingN returns a renderer that fails the first n calls with err and
// succeeds afterwards. Useful for retry-then-succeed tests.
func NewFailingN(n int, err error) *Renderer {
	var (
		mu       sync.Mutex
		failures int
	)
	return &Renderer{
		RenderFunc: func(context.Context, string, string, time.Duration) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures < n {
				failures++
				return nil, err
			}
			return PDFStub, nil
		},
	}
}

// NewBlocking returns a renderer that waits for the context to expire, for
// deadline tests.
func NewBlocking() *Renderer {
	return &Renderer{
		RenderFunc: func(ctx context.Context, _, _ string, _ time.Duration) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// Compile-time check that Renderer implements render.Renderer.
var _ render.Renderer = (*Renderer)(nil)
