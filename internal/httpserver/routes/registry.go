package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
)

type (
	// Registrar mounts one group of routes.
	Registrar func(r chi.Router, d deps.Deps)
	// MiddlewareFactory builds a group middleware once the dependencies are known.
	MiddlewareFactory func(d deps.Deps) func(http.Handler) http.Handler
)

type entry struct {
	name string
	reg  Registrar
	mws  []MiddlewareFactory
}

var registry []entry

// Register adds a named route group with optional group middlewares.
func Register(name string, reg Registrar, mws ...MiddlewareFactory) {
	registry = append(registry, entry{name: name, reg: reg, mws: mws})
}

// RegisterAll mounts every group on r and returns their names in order.
// Called once from httpserver.NewRouter()
func RegisterAll(r chi.Router, d deps.Deps) []string {
	names := make([]string, 0, len(registry))
	for _, e := range registry {
		names = append(names, e.name)
		if len(e.mws) == 0 {
			e.reg(r, d)
			continue
		}
		r.Group(func(sub chi.Router) {
			for _, mk := range e.mws {
				sub.Use(mk(d))
			}
			e.reg(sub, d)
		})
	}
	return names
}
