package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kvstorm/kvstorm/internal/coordinator"
)

const defaultShutdownTimeout = 5 * time.Second

// dashboard is the minimal chi-routed HTTP surface over a Coordinator:
// a stats() JSON endpoint plus the bare get/put/delete operations,
// in the style of internal/http.Server but trimmed to this scope
// (§1 non-goals exclude a full client protocol/dashboard UI).
type dashboard struct {
	coord      *coordinator.Coordinator
	httpServer *http.Server
}

func newDashboard(coord *coordinator.Coordinator, addr string) *dashboard {
	d := &dashboard{coord: coord}
	r := chi.NewRouter()
	r.Get("/health", d.handleHealth)
	r.Get("/stats", d.handleStats)
	r.Get("/api/kv", d.handleGet)
	r.Put("/api/kv", d.handlePut)
	r.Delete("/api/kv", d.handleDelete)

	d.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: time.Second,
	}
	return d
}

func (d *dashboard) start() {
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dashboard http server error", "error", err)
		}
	}()
	slog.Info("dashboard listening", "addr", d.httpServer.Addr)
}

func (d *dashboard) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return d.httpServer.Shutdown(ctx)
}

func (d *dashboard) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("dashboard: failed to encode response", "error", err)
	}
}

func (d *dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	d.writeJSON(w, http.StatusOK, d.coord.Stats())
}

func (d *dashboard) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		d.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
		return
	}
	res := d.coord.Get([]byte(key))
	if res.Err != nil {
		d.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": res.Err.Error()})
		return
	}
	if !res.Found {
		d.writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]string{"value": string(res.Value)})
}

func (d *dashboard) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse form"})
		return
	}
	key, value := r.FormValue("key"), r.FormValue("value")
	if key == "" {
		d.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
		return
	}
	res := d.coord.Put([]byte(key), []byte(value))
	d.writeProposeResult(w, res)
}

func (d *dashboard) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		d.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
		return
	}
	res := d.coord.Delete([]byte(key))
	d.writeProposeResult(w, res)
}

func (d *dashboard) writeProposeResult(w http.ResponseWriter, res coordinator.Result) {
	if !res.Accepted {
		w.Header().Set("X-Leader-Hint", res.LeaderHint)
		d.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":       "not leader",
			"leader_hint": res.LeaderHint,
		})
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
