package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"buildrelay/internal/api/middleware"
	"buildrelay/internal/engine"
	"buildrelay/internal/logger"
	"buildrelay/internal/storage"
	"buildrelay/internal/storage/models"
)

// statsWindow is how many recent records the dashboard statistics cover
const statsWindow = 100

// RecordStore lists persisted build records
type RecordStore interface {
	ListBuildRecords(ctx context.Context, filter storage.RecordFilter) ([]models.BuildRecord, error)
}

// BuildsHandler serves build records, statistics and live build status
type BuildsHandler struct {
	records RecordStore
	engine  engine.CIEngine
	now     func() time.Time
}

// NewBuildsHandler creates a new BuildsHandler instance
func NewBuildsHandler(records RecordStore, ciEngine engine.CIEngine) *BuildsHandler {
	return &BuildsHandler{
		records: records,
		engine:  ciEngine,
		now:     time.Now,
	}
}

// ListBuilds handles GET /api/v1/builds?job=&limit=&offset=
func (h *BuildsHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 500)

	records, err := h.records.ListBuildRecords(r.Context(), storage.RecordFilter{
		JobName: r.URL.Query().Get("job"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		logger.Error("Failed to list build records", "error", err, "request_id", middleware.GetRequestID(r))
		writeErrorWithRequestID(w, r, http.StatusInternalServerError, "Failed to list builds")
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// Stats handles GET /api/v1/builds/stats
func (h *BuildsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	records, err := h.records.ListBuildRecords(r.Context(), storage.RecordFilter{
		JobName: r.URL.Query().Get("job"),
		Limit:   statsWindow,
	})
	if err != nil {
		logger.Error("Failed to load build records for stats", "error", err, "request_id", middleware.GetRequestID(r))
		writeErrorWithRequestID(w, r, http.StatusInternalServerError, "Failed to compute build statistics")
		return
	}

	writeJSON(w, http.StatusOK, storage.ComputeStats(records, h.now()))
}

// BuildStatus handles GET /api/v1/jobs/{job}/builds/{number} with the CI server's live view
func (h *BuildsHandler) BuildStatus(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "Build number must be a positive integer")
		return
	}

	status, err := h.engine.GetBuildStatus(r.Context(), job, number)
	if err != nil {
		code := statusForError(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		logger.Warn("Failed to get build status", "error", err, "job", job, "build", number)
		writeErrorWithRequestID(w, r, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":          job,
		"build_number": status.Number,
		"building":     status.Building,
		"result":       models.ParseBuildStatus(status.Result),
		"duration_ms":  status.Duration,
		"url":          status.URL,
	})
}
