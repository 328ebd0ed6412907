package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/handlers"
)

func init() { Register("health", registerHealth) }

func registerHealth(r chi.Router, d deps.Deps) {
	r.Get("/health", handlers.Health(d))
	r.Get("/healthz", handlers.Healthz(d))
	r.Get("/services", handlers.Services(d))
}
