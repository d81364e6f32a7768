package safety_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressroom/pressroom/internal/safety"
	"github.com/pressroom/pressroom/pkg/models"
)

func TestValidate_Accepted(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		normalizedURL string
		domainKey     string
	}{
		{
			name:          "plain https",
			raw:           "https://example.com/page",
			normalizedURL: "https://example.com/page",
			domainKey:     "example.com",
		},
		{
			name:          "uppercase scheme and host lowered",
			raw:           "HTTPS://Example.COM/Page",
			normalizedURL: "https://example.com/Page",
			domainKey:     "example.com",
		},
		{
			name:          "default https port stripped",
			raw:           "https://example.com:443/a",
			normalizedURL: "https://example.com/a",
			domainKey:     "example.com",
		},
		{
			name:          "default http port stripped",
			raw:           "http://example.com:80/a",
			normalizedURL: "http://example.com/a",
			domainKey:     "example.com",
		},
		{
			name:          "non-default port kept",
			raw:           "https://example.com:8443/a",
			normalizedURL: "https://example.com:8443/a",
			domainKey:     "example.com",
		},
		{
			name:          "fragment dropped",
			raw:           "https://example.com/a#section-2",
			normalizedURL: "https://example.com/a",
			domainKey:     "example.com",
		},
		{
			name:          "query kept verbatim",
			raw:           "https://example.com/a?b=2&a=1",
			normalizedURL: "https://example.com/a?b=2&a=1",
			domainKey:     "example.com",
		},
		{
			name:          "subdomain maps to registrable domain",
			raw:           "https://news.blog.example.co.uk/x",
			normalizedURL: "https://news.blog.example.co.uk/x",
			domainKey:     "example.co.uk",
		},
		{
			name:          "public IP keyed by itself",
			raw:           "http://93.184.216.34/",
			normalizedURL: "http://93.184.216.34/",
			domainKey:     "93.184.216.34",
		},
		{
			name:          "path percent-encoding canonicalized",
			raw:           "https://example.com/a b",
			normalizedURL: "https://example.com/a%20b",
			domainKey:     "example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := safety.Validate(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.normalizedURL, res.NormalizedURL)
			assert.Equal(t, tt.domainKey, res.DomainKey)
		})
	}
}

func TestValidate_Rejected(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"empty", "", models.ErrCodeInvalidURL},
		{"whitespace only", "   ", models.ErrCodeInvalidURL},
		{"no scheme", "example.com/page", models.ErrCodeInvalidURL},
		{"ftp scheme", "ftp://example.com/file", models.ErrCodeInvalidURL},
		{"file scheme", "file:///etc/passwd", models.ErrCodeInvalidURL},
		{"javascript scheme", "javascript:alert(1)", models.ErrCodeInvalidURL},
		{"missing host", "https:///path", models.ErrCodeInvalidURL},
		{"localhost", "http://localhost:8080/admin", models.ErrCodeSSRFBlocked},
		{"localhost subdomain", "http://api.localhost/x", models.ErrCodeSSRFBlocked},
		{"loopback", "http://127.0.0.1/", models.ErrCodeSSRFBlocked},
		{"loopback range", "http://127.8.8.8/", models.ErrCodeSSRFBlocked},
		{"rfc1918 10/8", "http://10.0.0.5/", models.ErrCodeSSRFBlocked},
		{"rfc1918 172.16/12", "http://172.31.255.1/", models.ErrCodeSSRFBlocked},
		{"rfc1918 192.168/16", "http://192.168.1.1/router", models.ErrCodeSSRFBlocked},
		{"link local", "http://169.254.10.10/", models.ErrCodeSSRFBlocked},
		{"aws metadata", "http://169.254.169.254/latest/meta-data/", models.ErrCodeSSRFBlocked},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata/", models.ErrCodeSSRFBlocked},
		{"ipv6 loopback", "http://[::1]/", models.ErrCodeSSRFBlocked},
		{"ipv6 unique local", "http://[fc00::1]/", models.ErrCodeSSRFBlocked},
		{"ipv6 link local", "http://[fe80::1]/", models.ErrCodeSSRFBlocked},
		{"ipv4-mapped ipv6 private", "http://[::ffff:10.0.0.1]/", models.ErrCodeSSRFBlocked},
		{"this-host range", "http://0.0.0.0/", models.ErrCodeSSRFBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := safety.Validate(tt.raw)
			require.Error(t, err)

			var verr *safety.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.Code)
		})
	}
}

func TestValidate_DedupPairsAgree(t *testing.T) {
	// Variants of the same resource must normalize identically so same-day
	// resubmissions deduplicate.
	a, err := safety.Validate("HTTPS://Example.com:443/article#top")
	require.NoError(t, err)
	b, err := safety.Validate("https://example.com/article")
	require.NoError(t, err)
	assert.Equal(t, a.NormalizedURL, b.NormalizedURL)
}

func TestValidate_QueryOrderIsSignificant(t *testing.T) {
	a, err := safety.Validate("https://example.com/a?x=1&y=2")
	require.NoError(t, err)
	b, err := safety.Validate("https://example.com/a?y=2&x=1")
	require.NoError(t, err)
	assert.NotEqual(t, a.NormalizedURL, b.NormalizedURL)
}
