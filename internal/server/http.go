package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/electr1fy0/tandem/internal/protocol"
)

// Routes mounts the websocket endpoint and the read-only admin surface.
// gatherer serves /metrics; nil leaves it unmounted.
func (m *Manager) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", m.ServeWS)
	r.Get("/healthz", m.handleHealth)
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", m.handleChannels)
		r.Get("/{name}", m.handleChannel)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (m *Manager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-m.done:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (m *Manager) handleChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := m.Channels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chans)
}

func (m *Manager) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !protocol.ValidChannelName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": protocol.ErrMsgInvalidChannel})
		return
	}
	st, ok, err := m.Snapshot(r.Context(), name)
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": err.Error()})
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "channel not live"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "state": st})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
