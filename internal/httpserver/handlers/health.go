package handlers

import (
	"net/http"

	"github.com/poglesbyg/tracseq-gateway/internal/health"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
)

// Health serves the aggregate of the last probe results. It answers 503 when a
// critical dependency is not healthy so load balancers can drain the instance.
func Health(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := d.Manager.Health().Report()

		status := http.StatusOK
		if report.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}
