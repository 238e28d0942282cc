package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildrelay/internal/logger"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 256

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	JobName    string
	TrackingID string
}

func (f Filter) matches(ev Event) bool {
	if f.JobName != "" && f.JobName != ev.JobName {
		return false
	}
	if f.TrackingID != "" && f.TrackingID != ev.TrackingID {
		return false
	}
	return true
}

// Subscriber receives events matching its filter on C
type Subscriber struct {
	ID        string
	Filter    Filter
	C         chan Event
	CreatedAt time.Time
}

// Bus fans lifecycle events out to subscribers. Records carried by
// build_completed and build_timed_out are persisted before broadcast.
// There is no replay: subscribers only see events emitted after Subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sink        RecordSink
	buffer      int
	log         *slog.Logger
}

// NewBus creates a bus persisting records to sink. sink may be nil.
func NewBus(sink RecordSink, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		sink:        sink,
		buffer:      buffer,
		log:         logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber for events matching filter
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	return b.SubscribeBuffered(filter, b.buffer)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity
func (b *Bus) SubscribeBuffered(filter Filter, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = b.buffer
	}

	sub := &Subscriber{
		ID:        uuid.NewString(),
		Filter:    filter,
		C:         make(chan Event, buffer),
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.log.Debug("Subscriber added", "subscriber_id", sub.ID, "job", filter.JobName, "tracking_id", filter.TrackingID)
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; ok {
		close(sub.C)
		delete(b.subscribers, sub.ID)
		b.log.Debug("Subscriber removed", "subscriber_id", sub.ID)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Emit persists any record carried by ev and then broadcasts ev. Delivery is
// best effort: when persistence fails the error is returned and the event is
// still broadcast, with PersistError set and the record ID left empty.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	var persistErr error
	if rec := ev.Record(); rec != nil && b.sink != nil {
		id, err := b.sink.SaveBuildRecord(ctx, rec)
		if err != nil {
			b.log.Error("Failed to persist build record",
				"error", err,
				"tracking_id", ev.TrackingID,
				"job", rec.JobName,
				"build", rec.BuildNumber,
			)
			persistErr = fmt.Errorf("persist build record: %w", err)
			ev.PersistError = persistErr.Error()
		} else {
			rec.ID = id
		}
	}

	b.broadcast(ev)
	return persistErr
}

func (b *Bus) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.Filter.matches(ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			b.log.Warn("Subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"type", ev.Type,
				"tracking_id", ev.TrackingID,
			)
		}
	}
}

// Close unsubscribes everyone
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.C)
		delete(b.subscribers, id)
	}
}
