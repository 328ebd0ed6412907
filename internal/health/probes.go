package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPProbe issues GET url and reports healthy on HTTP 200.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (ProbeResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("failed to build health request: %w", err)
		}
		req.Header.Set("User-Agent", "tracseq-gateway-health")

		resp, err := client.Do(req)
		if err != nil {
			return ProbeResult{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		return ProbeResult{
			Healthy: resp.StatusCode == http.StatusOK,
			Details: map[string]any{
				"url":         url,
				"status_code": resp.StatusCode,
			},
		}, nil
	}
}

// Pinger is satisfied by the Redis store and by any go-redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports healthy when Ping succeeds.
func PingProbe(p Pinger) Probe {
	return func(ctx context.Context) (ProbeResult, error) {
		if err := p.Ping(ctx); err != nil {
			return ProbeResult{}, err
		}
		return ProbeResult{Healthy: true}, nil
	}
}
