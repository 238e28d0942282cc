package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"buildrelay/internal/api/middleware"
	"buildrelay/internal/engine"
	"buildrelay/internal/logger"
	"buildrelay/internal/storage/models"
)

const (
	maxParameters     = 100
	maxParamKeyLength = 255
	maxParamValueSize = 10 << 10
)

// AuditStore records and lists trigger calls
type AuditStore interface {
	InsertAuditLog(ctx context.Context, log models.AuditLog) error
	GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
}

// TriggerHandler handles manual build trigger requests
type TriggerHandler struct {
	engine     engine.CIEngine
	audit      AuditStore
	defaultJob string
}

// NewTriggerHandler creates a new TriggerHandler instance
func NewTriggerHandler(ciEngine engine.CIEngine, audit AuditStore, defaultJob string) *TriggerHandler {
	return &TriggerHandler{
		engine:     ciEngine,
		audit:      audit,
		defaultJob: defaultJob,
	}
}

// TriggerBuildRequest represents the request body for triggering a build
type TriggerBuildRequest struct {
	Job        string            `json:"job"`
	Parameters map[string]string `json:"parameters"`
}

// TriggerBuild handles the POST /api/v1/trigger request. It answers 202 once the
// CI server has queued the build; progress is reported on the event stream.
func (h *TriggerHandler) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req TriggerBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Failed to parse request body", "error", err, "request_id", middleware.GetRequestID(r))
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Job == "" {
		req.Job = h.defaultJob
	}
	if req.Job == "" {
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "Job name is required")
		return
	}

	if err := validateParameters(req.Parameters); err != nil {
		logger.Warn("Rejected build parameters", "error", err, "job", req.Job)
		writeErrorWithRequestID(w, r, http.StatusBadRequest, err.Error())
		return
	}

	h.trigger(w, r, engine.BuildRequest{
		Source:      engine.SourceManual,
		JobName:     req.Job,
		Params:      req.Parameters,
		SubmittedAt: time.Now().UTC(),
	})
}

// trigger runs the build request, writes the response and records an audit entry
func (h *TriggerHandler) trigger(w http.ResponseWriter, r *http.Request, req engine.BuildRequest) {
	auditLog := models.AuditLog{
		Timestamp: time.Now().UTC(),
		APIKey:    middleware.APIKeyFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		JobName:   req.JobName,
		Params:    marshalParams(req.Params),
	}
	if auditLog.APIKey == "" {
		auditLog.APIKey = string(req.Source)
	}

	result, err := h.engine.TriggerBuild(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		logger.Error("Failed to trigger build", "error", err, "job", req.JobName, "status", status, "request_id", middleware.GetRequestID(r))

		auditLog.Status = status
		auditLog.Result = "failed"
		auditLog.Error = err.Error()
		h.record(r.Context(), auditLog)

		writeErrorWithRequestID(w, r, status, err.Error())
		return
	}

	auditLog.Status = http.StatusAccepted
	auditLog.Result = "success"
	h.record(r.Context(), auditLog)

	writeJSON(w, http.StatusAccepted, result)
}

func (h *TriggerHandler) record(ctx context.Context, log models.AuditLog) {
	if h.audit == nil {
		return
	}
	if err := h.audit.InsertAuditLog(context.WithoutCancel(ctx), log); err != nil {
		logger.Error("Failed to write audit log", "error", err, "job", log.JobName)
	}
}

func validateParameters(params map[string]string) error {
	if len(params) > maxParameters {
		return fmt.Errorf("maximum %d parameters allowed", maxParameters)
	}
	for key, value := range params {
		if key == "" {
			return fmt.Errorf("parameter names cannot be empty")
		}
		if len(key) > maxParamKeyLength {
			return fmt.Errorf("parameter key '%s' exceeds maximum length of %d characters", key[:32], maxParamKeyLength)
		}
		if len(value) > maxParamValueSize {
			return fmt.Errorf("parameter value for '%s' exceeds maximum length of 10KB", key)
		}
	}
	return nil
}

// marshalParams marshals parameters to a JSON string
func marshalParams(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	jsonParams, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(jsonParams)
}
