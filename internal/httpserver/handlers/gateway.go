package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/poglesbyg/tracseq-gateway/internal/breaker"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
)

func Stats(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Manager.Stats())
	}
}

func RateLimits(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Manager.RateLimits(r.Context()))
	}
}

type circuitBreakersResponse struct {
	CircuitBreakers []breaker.Snapshot `json:"circuit_breakers"`
}

func CircuitBreakers(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, circuitBreakersResponse{CircuitBreakers: d.Manager.CircuitBreakers()})
	}
}

type resetResponse struct {
	Service string        `json:"service"`
	State   breaker.State `json:"state"`
	Message string        `json:"message"`
}

// ResetCircuitBreaker forces a service circuit back to CLOSED.
func ResetCircuitBreaker(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		if !d.Manager.ResetBreaker(service) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				Error:   "service_not_found",
				Message: "no service named " + service,
			})
			return
		}

		d.Logger.Info("circuit breaker reset requested",
			logger.String("service", service),
			logger.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusOK, resetResponse{
			Service: service,
			State:   breaker.StateClosed,
			Message: "circuit breaker reset",
		})
	}
}
