package selwatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the admin HTTP API: health, metrics, and page and watch
// management.
func (w *Watcher) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(w.gatherer(), promhttp.HandlerOpts{}))
	w.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the page and watch routes on r.
func (w *Watcher) RegisterHTTP(r chi.Router) {
	r.Get("/pages", w.handlePages)
	r.Route("/pages/{pageID}/watches", func(r chi.Router) {
		r.Post("/", w.handleAddWatch)
		r.Delete("/{watchID}", w.handleRemoveWatch)
	})
}

func (w *Watcher) handlePages(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, w.Pages())
}

func (w *Watcher) handleAddWatch(rw http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	var wc WatchConfig
	if err := json.NewDecoder(r.Body).Decode(&wc); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if err := w.AddWatch(r.Context(), pageID, wc); err != nil {
		writeError(rw, statusFor(err), err)
		return
	}
	if wc.ID == "" {
		wc.ID = wc.Selector
	}
	writeJSON(rw, http.StatusCreated, map[string]string{"page_id": pageID, "id": wc.ID, "status": "watching"})
}

func (w *Watcher) handleRemoveWatch(rw http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	watchID := chi.URLParam(r, "watchID")
	if err := w.RemoveWatch(pageID, watchID); err != nil {
		writeError(rw, statusFor(err), err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Watcher) gatherer() prometheus.Gatherer {
	if g, ok := w.reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPage), errors.Is(err, ErrUnknownWatch):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
