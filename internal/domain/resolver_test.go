package domain

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEndpoint(t *testing.T, name, base, prefix string) *ServiceEndpoint {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	return &ServiceEndpoint{
		Name:       name,
		BaseURL:    u,
		PathPrefix: prefix,
		Timeout:    time.Second,
		RateLimit:  60,
		HealthPath: DefaultHealthPath,
	}
}

func TestResolver_LongestPrefixWins(t *testing.T) {
	r, err := NewResolver([]*ServiceEndpoint{
		mustEndpoint(t, "api", "http://api:8000", "/api"),
		mustEndpoint(t, "samples", "http://backend:9000", "/api/samples"),
		mustEndpoint(t, "sample-sets", "http://sets:9000", "/api/samples/sets"),
	}, "")
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/api/samples/123", "samples", true},
		{"/api/samples", "samples", true},
		{"/api/samples/sets/7", "sample-sets", true},
		{"/api/samplesets", "api", true},
		{"/api/templates", "api", true},
		{"/other", "", false},
		{"/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ep, ok := r.Resolve(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, ep.Name)
			}
		})
	}
}

func TestResolver_Fallback(t *testing.T) {
	r, err := NewResolver([]*ServiceEndpoint{
		mustEndpoint(t, "samples", "http://backend:9000", "/api/samples"),
		mustEndpoint(t, "frontend", "http://frontend:3000", "/app"),
	}, "frontend")
	require.NoError(t, err)

	ep, ok := r.Resolve("/nowhere")
	require.True(t, ok)
	assert.Equal(t, "frontend", ep.Name)
}

func TestNewResolver_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []*ServiceEndpoint
		fallback  string
	}{
		{
			name: "duplicate name",
			endpoints: []*ServiceEndpoint{
				mustEndpoint(t, "a", "http://a:1", "/a"),
				mustEndpoint(t, "a", "http://a:2", "/b"),
			},
		},
		{
			name: "duplicate prefix",
			endpoints: []*ServiceEndpoint{
				mustEndpoint(t, "a", "http://a:1", "/x/"),
				mustEndpoint(t, "b", "http://b:1", "/x"),
			},
		},
		{
			name:      "unknown fallback",
			endpoints: []*ServiceEndpoint{mustEndpoint(t, "a", "http://a:1", "/a")},
			fallback:  "missing",
		},
		{
			name:      "relative base url",
			endpoints: []*ServiceEndpoint{mustEndpoint(t, "a", "a:1", "/a")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.endpoints, tt.fallback)
			assert.Error(t, err)
		})
	}
}

func TestServiceEndpoint_UpstreamURL(t *testing.T) {
	tests := []struct {
		name   string
		strip  bool
		ver    bool
		base   string
		path   string
		query  string
		expect string
	}{
		{"passthrough", false, false, "http://backend:9000", "/api/samples/123", "", "http://backend:9000/api/samples/123"},
		{"strip prefix", true, false, "http://backend:9000", "/api/samples/123", "a=1", "http://backend:9000/123?a=1"},
		{"strip exact prefix", true, false, "http://backend:9000", "/api/samples", "", "http://backend:9000/"},
		{"insert version", true, true, "http://backend:9000", "/api/samples/123", "", "http://backend:9000/v1/123"},
		{"base path kept", false, false, "http://backend:9000/root/", "/api/samples", "", "http://backend:9000/root/api/samples"},
		{"encoded slash kept", false, false, "http://backend:9000", "/api/samples/a%2Fb", "", "http://backend:9000/api/samples/a%2Fb"},
		{"encoded slash kept after strip", true, true, "http://backend:9000", "/api/samples/a%2Fb/c%20d", "", "http://backend:9000/v1/a%2Fb/c%20d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := mustEndpoint(t, "samples", tt.base, "/api/samples")
			ep.StripPrefix = tt.strip
			ep.AddVersion = tt.ver
			assert.Equal(t, tt.expect, ep.UpstreamURL(tt.path, tt.query).String())
		})
	}
}

func TestServiceEndpoint_HealthURL(t *testing.T) {
	ep := mustEndpoint(t, "samples", "http://backend:9000", "/api/samples")
	assert.Equal(t, "http://backend:9000/health", ep.HealthURL())
}
