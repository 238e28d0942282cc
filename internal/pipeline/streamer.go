package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"buildrelay/internal/classifier"
	"buildrelay/internal/engine"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
	"buildrelay/internal/storage/models"
)

// DefaultTailSize is how much trailing console output is kept for failure classification
const DefaultTailSize = 64 * 1024

// StreamState is the outcome of streaming a build
type StreamState string

const (
	StreamCompleted StreamState = "completed"
	StreamTimedOut  StreamState = "timed_out"
	StreamAborted   StreamState = "aborted"
)

// StreamResult is the result of Stream. Record is nil when no record was produced.
type StreamResult struct {
	State  StreamState
	Record *models.BuildRecord
}

// logCursor is the read position in one build's console output
type logCursor struct {
	handle engine.BuildHandle
	offset int64
}

// Streamer follows one running build: it relays console output in order and
// produces the final record once the CI server reports the build finished.
type Streamer struct {
	ci               engine.CIServer
	bus              events.Emitter
	policy           Policy
	persistOnTimeout bool
	tailSize         int
	now              func() time.Time
	log              *slog.Logger
}

// NewStreamer creates a streamer
func NewStreamer(ci engine.CIServer, bus events.Emitter, policy Policy, persistOnTimeout bool) *Streamer {
	return &Streamer{
		ci:               ci,
		bus:              bus,
		policy:           policy,
		persistOnTimeout: persistOnTimeout,
		tailSize:         DefaultTailSize,
		now:              time.Now,
		log:              logger.With("component", "log_streamer"),
	}
}

// Stream polls console output and build status until the build finishes, the
// budget runs out or ctx is cancelled. build_completed is emitted at most once
// and only after every log_chunk.
func (s *Streamer) Stream(ctx context.Context, trackingID string, handle engine.BuildHandle) StreamResult {
	log := s.log.With("tracking_id", trackingID, "job", handle.JobName, "build", handle.BuildNumber)
	cur := &logCursor{handle: handle}
	tail := &tailBuffer{max: s.tailSize}

	var final *engine.BuildStatus
	err := Until(ctx, s.policy, func(ctx context.Context) (bool, error) {
		if err := s.fetchLog(ctx, trackingID, cur, tail); err != nil {
			log.Debug("Log fetch failed", "error", err, "offset", cur.offset)
		}

		status, err := s.ci.BuildStatus(ctx, handle)
		if err != nil {
			log.Debug("Build status fetch failed", "error", err)
			return false, err
		}
		if status.Building {
			return false, nil
		}

		final = status
		return true, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrBudgetExhausted):
		return s.timedOut(ctx, trackingID, handle, log, err)
	default:
		log.Info("Log streaming aborted", "error", err, "offset", cur.offset)
		return StreamResult{State: StreamAborted}
	}

	// The build may have written output between the last log fetch and the status flip
	if err := s.fetchLog(ctx, trackingID, cur, tail); err != nil {
		log.Warn("Final log drain failed", "error", err, "offset", cur.offset)
	}

	rec := &models.BuildRecord{
		TrackingID:     trackingID,
		JobName:        handle.JobName,
		BuildNumber:    handle.BuildNumber,
		Status:         models.ParseBuildStatus(final.Result),
		DurationMillis: final.Duration,
		ConsoleLink:    s.ci.ConsoleURL(handle),
		CompletedAt:    s.now().UTC(),
	}

	if rec.Status.Failed() {
		text := tail.String()
		c := classifier.Classify(text)
		rec.ErrorSummary = classifier.Summarize(text)
		rec.FailureCategory = c.Category
		rec.FailureConfidence = c.Confidence
		rec.Suggestions = c.Suggestions
	}

	log.Info("Build completed", "status", rec.Status, "duration_ms", rec.DurationMillis, "bytes", cur.offset)
	s.emit(ctx, events.Event{
		Type:       events.TypeBuildCompleted,
		TrackingID: trackingID,
		JobName:    handle.JobName,
		Payload:    events.BuildCompleted{Record: rec},
	})

	return StreamResult{State: StreamCompleted, Record: rec}
}

func (s *Streamer) timedOut(ctx context.Context, trackingID string, handle engine.BuildHandle, log *slog.Logger, cause error) StreamResult {
	log.Warn("Build did not finish in time", "error", cause)

	payload := events.BuildTimedOut{Stage: events.StageStream, Handle: &handle}
	if s.persistOnTimeout {
		payload.Record = &models.BuildRecord{
			TrackingID:  trackingID,
			JobName:     handle.JobName,
			BuildNumber: handle.BuildNumber,
			Status:      models.StatusUnknown,
			ConsoleLink: s.ci.ConsoleURL(handle),
			TimedOut:    true,
			CompletedAt: s.now().UTC(),
		}
	}

	s.emit(ctx, events.Event{
		Type:       events.TypeBuildTimedOut,
		TrackingID: trackingID,
		JobName:    handle.JobName,
		Payload:    payload,
	})

	return StreamResult{State: StreamTimedOut, Record: payload.Record}
}

// fetchLog emits any console output past the cursor and then advances it
func (s *Streamer) fetchLog(ctx context.Context, trackingID string, cur *logCursor, tail *tailBuffer) error {
	text, err := s.ci.ProgressiveLog(ctx, cur.handle, cur.offset)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	s.emit(ctx, events.Event{
		Type:       events.TypeLogChunk,
		TrackingID: trackingID,
		JobName:    cur.handle.JobName,
		Payload:    events.LogChunk{Handle: cur.handle, Offset: cur.offset, Text: text},
	})
	tail.Write(text)
	cur.offset += int64(len(text))
	return nil
}

func (s *Streamer) emit(ctx context.Context, ev events.Event) {
	if err := s.bus.Emit(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("Failed to emit event", "error", err, "type", ev.Type, "tracking_id", ev.TrackingID)
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - t.max; t.max > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
