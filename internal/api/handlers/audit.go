package handlers

import (
	"net/http"

	"buildrelay/internal/api/middleware"
	"buildrelay/internal/logger"
)

// AuditHandler handles audit log-related API requests
type AuditHandler struct {
	store AuditStore
}

// NewAuditHandler creates a new AuditHandler instance
func NewAuditHandler(store AuditStore) *AuditHandler {
	return &AuditHandler{store: store}
}

// GetAuditLogs handles the GET /api/v1/audit request
func (h *AuditHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 100, 1000)

	logs, err := h.store.GetAuditLogs(r.Context(), limit, offset)
	if err != nil {
		logger.Error("Failed to get audit logs", "error", err, "request_id", middleware.GetRequestID(r))
		writeErrorWithRequestID(w, r, http.StatusInternalServerError, "Failed to get audit logs")
		return
	}

	writeJSON(w, http.StatusOK, logs)
}
