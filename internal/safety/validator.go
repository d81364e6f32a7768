// Package safety vets submitted URLs before any job is created or rendered:
// scheme and host checks, SSRF range blocking, dedup normalization, and
// registrable-domain (eTLD+1) extraction for the domain lock key.
package safety

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/pressroom/pressroom/pkg/models"
)

// ValidationError is a rejected URL. Code is one of the models error codes
// (INVALID_URL or SSRF_BLOCKED).
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Code: models.ErrCodeInvalidURL, Reason: fmt.Sprintf(format, args...)}
}

func blocked(format string, args ...any) *ValidationError {
	return &ValidationError{Code: models.ErrCodeSSRFBlocked, Reason: fmt.Sprintf(format, args...)}
}

// Result is an accepted URL: the normalized form used for dedup and the
// registrable domain used as the lock key.
type Result struct {
	NormalizedURL string
	DomainKey     string
}

// blockedPrefixes are checked textually, without DNS resolution.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// metadataHosts are cloud metadata endpoints blocked by name in addition to
// the range checks above.
var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"fd00:ec2::254":            true,
	"metadata.google.internal": true,
}

// Validate parses and vets a raw URL. On success it returns the normalized
// URL and domain key; on rejection it returns a *ValidationError.
func Validate(raw string) (*Result, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalid("URL must be a non-empty string")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid("URL is not parseable: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, invalid("URL must use http or https scheme")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, invalid("URL must have a valid host")
	}

	if err := checkSSRF(host); err != nil {
		return nil, err
	}

	return &Result{
		NormalizedURL: normalize(scheme, host, u),
		DomainKey:     domainKey(host),
	}, nil
}

// checkSSRF rejects hosts that point at private, loopback, link-local, or
// metadata targets. Hostnames that are not IP literals pass; the worker's
// redirect probe re-checks every hop before rendering.
func checkSSRF(host string) error {
	if metadataHosts[host] {
		return blocked("access to metadata endpoints is blocked")
	}
	if host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost") {
		return blocked("access to localhost is blocked")
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return blocked("access to %s is blocked", p)
		}
	}
	return nil
}

// normalize produces the dedup form: lowercase scheme and host, default port
// stripped, fragment removed, query kept verbatim, percent-encoding
// canonicalized, path case preserved.
func normalize(scheme, host string, u *url.URL) string {
	hostport := host
	if strings.Contains(host, ":") {
		// IPv6 literal
		hostport = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		defaultPort := (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
		if !defaultPort {
			hostport += ":" + port
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(hostport)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// domainKey extracts the registrable domain (eTLD+1) via the public suffix
// list. IP literals and hosts that are themselves a public suffix fall back
// to the full host.
func domainKey(host string) string {
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return strings.ToLower(etld1)
}
