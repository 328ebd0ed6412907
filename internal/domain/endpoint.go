package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout applies to upstream calls when a service does not set one.
	DefaultTimeout = 30 * time.Second
	// DefaultHealthPath is probed when a service does not declare a health path.
	DefaultHealthPath = "/health"
	// DefaultVersion is inserted after the base URL when AddVersion is set.
	DefaultVersion = "v1"
)

// ServiceEndpoint describes one backend registered behind the gateway.
//
// It is built once at startup from the services file and never mutated afterwards,
// so it can be shared by every request goroutine without locking.
type ServiceEndpoint struct {
	// ─────────────────────────────
	// Identity
	// ─────────────────────────────

	// Name is the unique service name used in metrics labels and headers.
	// Example: samples
	Name string

	// BaseURL is the scheme://host[:port][/path] of the backend.
	// Example: http://sample-service:9000
	BaseURL *url.URL

	// PathPrefix is the inbound path prefix routed to this service.
	// Example: /api/samples
	PathPrefix string

	// ─────────────────────────────
	// Forwarding
	// ─────────────────────────────

	// StripPrefix removes PathPrefix before forwarding.
	StripPrefix bool

	// AddVersion inserts "/<Version>" between the base URL and the forwarded path.
	AddVersion bool
	Version    string

	// Timeout bounds one upstream call (until response headers for streams).
	Timeout time.Duration

	// Headers are added to every forwarded request.
	Headers map[string]string

	// RequireAuth rejects requests without a bearer credential.
	RequireAuth bool

	// ─────────────────────────────
	// Admission & observation
	// ─────────────────────────────

	// RateLimit is the per-client allowance in requests per minute.
	RateLimit int

	// Burst caps instantaneous consumption (0 = RateLimit).
	Burst int

	// HealthPath is appended to BaseURL by the health checker.
	HealthPath string

	// Critical marks the health check as part of the aggregate gateway status.
	Critical bool
}

// HealthURL returns the absolute URL probed by the health checker.
func (e *ServiceEndpoint) HealthURL() string {
	return joinURLPath(e.BaseURL, escapePath(e.HealthPath)).String()
}

// UpstreamURL builds the backend URL for an inbound escaped path (r.URL.EscapedPath())
// and raw query. The path is forwarded with its original encoding, so "%2F" stays
// inside a segment.
func (e *ServiceEndpoint) UpstreamURL(escapedPath, rawQuery string) *url.URL {
	forward := escapedPath
	if e.StripPrefix && e.PathPrefix != "/" {
		forward = strings.TrimPrefix(escapedPath, escapePath(e.PathPrefix))
	}
	if forward == "" {
		forward = "/"
	}
	if e.AddVersion {
		version := e.Version
		if version == "" {
			version = DefaultVersion
		}
		forward = "/" + url.PathEscape(strings.Trim(version, "/")) + ensureLeadingSlash(forward)
	}

	u := joinURLPath(e.BaseURL, forward)
	u.RawQuery = rawQuery
	return u
}

// Validate reports configuration mistakes that would make the endpoint unroutable.
func (e *ServiceEndpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if e.BaseURL == nil || e.BaseURL.Scheme == "" || e.BaseURL.Host == "" {
		return fmt.Errorf("service %s: base_url must be an absolute URL", e.Name)
	}
	if e.BaseURL.Scheme != "http" && e.BaseURL.Scheme != "https" {
		return fmt.Errorf("service %s: unsupported scheme %q", e.Name, e.BaseURL.Scheme)
	}
	if !strings.HasPrefix(e.PathPrefix, "/") {
		return fmt.Errorf("service %s: path_prefix must start with '/'", e.Name)
	}
	if e.RateLimit < 0 || e.Burst < 0 {
		return fmt.Errorf("service %s: rate_limit and burst must be >= 0", e.Name)
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("service %s: timeout must be > 0", e.Name)
	}
	return nil
}

// joinURLPath appends an escaped path to base, keeping both Path and RawPath set.
func joinURLPath(base *url.URL, escaped string) *url.URL {
	u := *base
	raw := strings.TrimSuffix(base.EscapedPath(), "/") + ensureLeadingSlash(escaped)
	path, err := url.PathUnescape(raw)
	if err != nil {
		path = raw
	}
	u.Path = path
	u.RawPath = raw
	return &u
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
