package safety

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

const defaultMaxRedirects = 5

// RedirectChecker resolves a URL's redirect chain with HEAD requests and
// re-validates every hop, so a public URL cannot bounce the renderer into a
// blocked target.
type RedirectChecker struct {
	client       *http.Client
	maxRedirects int
}

// NewRedirectChecker builds a checker whose probes do not auto-follow
// redirects; each hop is inspected individually.
func NewRedirectChecker(timeout time.Duration) *RedirectChecker {
	return &RedirectChecker{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxRedirects: defaultMaxRedirects,
	}
}

// Resolve follows up to maxRedirects hops from rawURL and returns the final
// URL. Each hop is validated; a blocked or malformed hop returns a
// *ValidationError. Network failures during the probe are swallowed — the
// render itself will surface them as a classifiable error.
func (c *RedirectChecker) Resolve(ctx context.Context, rawURL string) (string, error) {
	current := rawURL

	for hop := 0; hop < c.maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, current, nil)
		if err != nil {
			return current, nil
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return current, nil
		}
		resp.Body.Close()

		if !isRedirect(resp.StatusCode) {
			return current, nil
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return current, nil
		}

		next, err := resolveLocation(current, location)
		if err != nil {
			return current, nil
		}
		if _, verr := Validate(next); verr != nil {
			return "", verr
		}
		current = next
	}

	return current, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveLocation makes a possibly-relative Location header absolute against
// the current URL.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
