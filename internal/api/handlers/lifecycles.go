package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"buildrelay/internal/logger"
	"buildrelay/internal/pipeline"
)

// LifecycleRegistry exposes tracked build lifecycles
type LifecycleRegistry interface {
	List() []pipeline.LifecycleInfo
	Get(id string) (*pipeline.Lifecycle, bool)
	Cancel(id string) bool
}

// LifecycleHandler serves the tracker's in-flight and recent lifecycles
type LifecycleHandler struct {
	registry LifecycleRegistry
}

// NewLifecycleHandler creates a new LifecycleHandler instance
func NewLifecycleHandler(registry LifecycleRegistry) *LifecycleHandler {
	return &LifecycleHandler{registry: registry}
}

// List handles GET /api/v1/lifecycles
func (h *LifecycleHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// Get handles GET /api/v1/lifecycles/{id}
func (h *LifecycleHandler) Get(w http.ResponseWriter, r *http.Request) {
	lc, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeErrorWithRequestID(w, r, http.StatusNotFound, "Lifecycle not found")
		return
	}
	writeJSON(w, http.StatusOK, lc.Info())
}

// Cancel handles DELETE /api/v1/lifecycles/{id}. Polling stops; the build
// itself keeps running on the CI server.
func (h *LifecycleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.Get(id); !ok {
		writeErrorWithRequestID(w, r, http.StatusNotFound, "Lifecycle not found")
		return
	}
	if !h.registry.Cancel(id) {
		writeErrorWithRequestID(w, r, http.StatusConflict, "Lifecycle already finished")
		return
	}

	logger.Info("Lifecycle cancelled", "tracking_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"tracking_id": id,
		"status":      "cancelling",
	})
}
