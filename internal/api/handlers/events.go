package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"buildrelay/internal/api/middleware"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventSource hands out lifecycle event subscriptions
type EventSource interface {
	Subscribe(filter events.Filter) *events.Subscriber
	Unsubscribe(sub *events.Subscriber)
}

// EventsHandler streams lifecycle events over a websocket
type EventsHandler struct {
	source       EventSource
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewEventsHandler creates an events handler. Browser origins are checked
// against allowedOrigins; an empty list allows every origin.
func NewEventsHandler(source EventSource, allowedOrigins []string) *EventsHandler {
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		pingInterval: pingInterval,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}

// Stream handles GET /api/v1/events?job=&tracking_id=. Only events emitted
// after the connection is established are delivered.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	filter := events.Filter{
		JobName:    r.URL.Query().Get("job"),
		TrackingID: r.URL.Query().Get("tracking_id"),
	}
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade event stream", "error", err, "request_id", requestID)
		return
	}
	defer conn.Close()

	sub := h.source.Subscribe(filter)
	defer h.source.Unsubscribe(sub)

	logger.Info("Event stream opened",
		"subscriber_id", sub.ID,
		"job", filter.JobName,
		"tracking_id", filter.TrackingID,
		"request_id", requestID,
	)

	// Client messages are discarded; the read loop only notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Event stream write failed", "error", err, "subscriber_id", sub.ID)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-closed:
			logger.Info("Event stream closed", "subscriber_id", sub.ID, "request_id", requestID)
			return
		}
	}
}
