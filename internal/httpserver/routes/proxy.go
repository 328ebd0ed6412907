package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
)

func init() { Register("proxy", registerProxy) }

// Everything not served by the gateway itself is dispatched to a backend.
func registerProxy(r chi.Router, d deps.Deps) {
	proxy := d.Manager.Handler()
	r.Handle("/*", proxy)
	r.MethodNotAllowed(proxy.ServeHTTP)
}
