package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/handlers"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/mw"
)

func init() { Register("admin", registerAdmin, adminOnly) }

func adminOnly(d deps.Deps) func(http.Handler) http.Handler {
	return mw.AllowOnlyCIDRS(d.AdminCIDRS, d.TrustProxy, d.Logger)
}

func registerAdmin(r chi.Router, d deps.Deps) {
	r.Method(http.MethodGet, "/metrics", d.Manager.MetricsHandler())
	r.Route("/gateway", func(r chi.Router) {
		r.Get("/stats", handlers.Stats(d))
		r.Get("/rate-limits", handlers.RateLimits(d))
		r.Get("/circuit-breakers", handlers.CircuitBreakers(d))
		r.Post("/circuit-breakers/{service}/reset", handlers.ResetCircuitBreaker(d))
	})
}
