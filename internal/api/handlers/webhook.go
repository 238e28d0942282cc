package handlers

import (
	"net/http"
	"time"

	"github.com/google/go-github/v82/github"

	"buildrelay/internal/api/middleware"
	"buildrelay/internal/engine"
	"buildrelay/internal/logger"
)

// Build parameters derived from a GitHub push
const (
	ParamGitRef        = "GIT_REF"
	ParamGitCommit     = "GIT_COMMIT"
	ParamGitRepository = "GIT_REPOSITORY"
)

// WebhookHandler turns signed GitHub push deliveries into build requests
type WebhookHandler struct {
	trigger *TriggerHandler
	secret  []byte
}

// NewWebhookHandler creates a webhook handler. Builds go through trigger so
// they are audited like manual requests.
func NewWebhookHandler(trigger *TriggerHandler, secret string) *WebhookHandler {
	return &WebhookHandler{
		trigger: trigger,
		secret:  []byte(secret),
	}
}

// GitHub handles POST /api/v1/webhook/github. The job is taken from the
// ?job= query parameter, falling back to the configured default job.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		logger.Warn("Rejected GitHub webhook", "error", err, "ip", r.RemoteAddr, "request_id", requestID)
		writeErrorWithRequestID(w, r, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		logger.Warn("Failed to parse GitHub webhook", "error", err, "event", eventType, "request_id", requestID)
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "Unsupported or malformed webhook payload")
		return
	}

	switch e := event.(type) {
	case *github.PingEvent:
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong", "zen": e.GetZen()})

	case *github.PushEvent:
		if e.GetDeleted() {
			writeJSON(w, http.StatusOK, map[string]string{"message": "ref deletion ignored"})
			return
		}

		job := r.URL.Query().Get("job")
		if job == "" {
			job = h.trigger.defaultJob
		}
		if job == "" {
			writeErrorWithRequestID(w, r, http.StatusBadRequest, "No job configured for webhook")
			return
		}

		logger.Info("GitHub push received",
			"repository", e.GetRepo().GetFullName(),
			"ref", e.GetRef(),
			"commit", e.GetAfter(),
			"job", job,
			"request_id", requestID,
		)

		h.trigger.trigger(w, r, engine.BuildRequest{
			Source:  engine.SourceWebhook,
			JobName: job,
			Params: map[string]string{
				ParamGitRef:        e.GetRef(),
				ParamGitCommit:     e.GetAfter(),
				ParamGitRepository: e.GetRepo().GetFullName(),
			},
			SubmittedAt: time.Now().UTC(),
		})

	default:
		logger.Debug("Ignoring GitHub webhook", "event", eventType, "request_id", requestID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored", "event": eventType})
	}
}
