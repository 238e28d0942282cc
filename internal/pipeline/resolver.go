package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"buildrelay/internal/engine"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
)

// ResolveState is the outcome of waiting on a queue item
type ResolveState string

const (
	Resolved  ResolveState = "resolved"
	Cancelled ResolveState = "cancelled"
	TimedOut  ResolveState = "timed_out"
	Expired   ResolveState = "expired"
	Aborted   ResolveState = "aborted"
)

// Resolution is the result of Resolve. Handle is set only when State is Resolved.
type Resolution struct {
	State  ResolveState
	Handle *engine.BuildHandle
	Reason string
}

// Resolver polls a queue item until the CI server assigns a build number
type Resolver struct {
	ci     engine.CIServer
	bus    events.Emitter
	policy Policy
	now    func() time.Time
	log    *slog.Logger
}

// NewResolver creates a resolver
func NewResolver(ci engine.CIServer, bus events.Emitter, policy Policy) *Resolver {
	return &Resolver{
		ci:     ci,
		bus:    bus,
		policy: policy,
		now:    time.Now,
		log:    logger.With("component", "queue_resolver"),
	}
}

// Resolve waits for entry to become a build. It emits build_cancelled or
// build_timed_out; a vanished queue item and caller cancellation end quietly.
// A resolved build is announced by the tracker once it owns the handle.
func (r *Resolver) Resolve(ctx context.Context, trackingID string, entry engine.QueueEntry) Resolution {
	log := r.log.With("tracking_id", trackingID, "job", entry.JobName, "queue_id", entry.ID)

	var res Resolution
	err := Until(ctx, r.policy, func(ctx context.Context) (bool, error) {
		item, err := r.ci.QueueItem(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return false, Stop(err)
			}
			log.Debug("Queue item fetch failed, retrying", "error", err)
			return false, err
		}

		if item.Cancelled {
			res = Resolution{State: Cancelled, Reason: item.Why}
			return true, nil
		}

		if item.Executable != nil && item.Executable.Number > 0 {
			res = Resolution{
				State: Resolved,
				Handle: &engine.BuildHandle{
					JobName:     entry.JobName,
					BuildNumber: item.Executable.Number,
					StartedAt:   r.now().UTC(),
				},
			}
			return true, nil
		}

		log.Debug("Queue item still waiting", "why", item.Why)
		return false, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotFound):
		log.Info("Queue item no longer exists, stopping")
		return Resolution{State: Expired}
	case errors.Is(err, ErrBudgetExhausted):
		log.Warn("Queue item was not picked up in time", "error", err)
		r.emit(ctx, events.Event{
			Type:       events.TypeBuildTimedOut,
			TrackingID: trackingID,
			JobName:    entry.JobName,
			Payload:    events.BuildTimedOut{Stage: events.StageQueue, QueueID: entry.ID},
		})
		return Resolution{State: TimedOut}
	default:
		log.Info("Queue resolution aborted", "error", err)
		return Resolution{State: Aborted}
	}

	switch res.State {
	case Cancelled:
		log.Info("Queue item was cancelled", "why", res.Reason)
		r.emit(ctx, events.Event{
			Type:       events.TypeBuildCancelled,
			TrackingID: trackingID,
			JobName:    entry.JobName,
			Payload:    events.BuildCancelled{QueueID: entry.ID, Reason: res.Reason},
		})
	case Resolved:
		log.Info("Queue item resolved", "build", res.Handle.BuildNumber)
	}

	return res
}

func (r *Resolver) emit(ctx context.Context, ev events.Event) {
	if err := r.bus.Emit(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Error("Failed to emit event", "error", err, "type", ev.Type, "tracking_id", ev.TrackingID)
	}
}
