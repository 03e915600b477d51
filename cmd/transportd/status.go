package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-transport/transport"
)

// statusSource is the part of server.Server exposed over HTTP.
type statusSource interface {
	State() transport.LocalConnectionState
	ConnectedClients() []transport.ClientID
	GetConnectionAddress(id transport.ClientID) string
}

type clientStatus struct {
	ID      transport.ClientID `json:"id"`
	Address string             `json:"address"`
}

// newStatusRouter serves /metrics from gatherer plus /healthz and /clients
// from src.
func newStatusRouter(src statusSource, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := src.State()
		status := http.StatusOK
		if state != transport.Started {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, map[string]string{"state": state.String()})
	})

	r.Get("/clients", func(w http.ResponseWriter, req *http.Request) {
		ids := src.ConnectedClients()
		clients := make([]clientStatus, 0, len(ids))
		for _, id := range ids {
			clients = append(clients, clientStatus{ID: id, Address: src.GetConnectionAddress(id)})
		}

		writeJSON(w, http.StatusOK, clients)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
