package handlers

import (
	"net/http"

	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
	"github.com/poglesbyg/tracseq-gateway/internal/monitoring"
)

type servicesResponse struct {
	Count    int                      `json:"count"`
	Services []monitoring.ServiceView `json:"services"`
}

func Services(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := d.Manager.Services()
		writeJSON(w, http.StatusOK, servicesResponse{Count: len(services), Services: services})
	}
}
