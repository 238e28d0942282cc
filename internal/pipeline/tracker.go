package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildrelay/internal/engine"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
	"buildrelay/internal/storage/models"
)

// Default poll budgets
var (
	DefaultQueuePolicy  = Policy{Interval: 2 * time.Second, MaxAttempts: 150, Deadline: 5 * time.Minute}
	DefaultStreamPolicy = Policy{Interval: time.Second, MaxAttempts: 300, Deadline: 5 * time.Minute}
)

const defaultHistory = 500

// Stage is where a lifecycle currently is
type Stage string

const (
	StageQueued    Stage = "queued"
	StageStreaming Stage = "streaming"
	StageDone      Stage = "done"
)

// Outcome is how a lifecycle ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeExpired   Outcome = "expired"
	OutcomeAborted   Outcome = "aborted"
	// OutcomeMerged means the CI server folded the request into a build another lifecycle already follows
	OutcomeMerged Outcome = "merged"
)

// Lifecycle is one triggered request followed from queue to final record
type Lifecycle struct {
	ID        string
	Entry     engine.QueueEntry
	CreatedAt time.Time

	mu      sync.Mutex
	stage   Stage
	handle  *engine.BuildHandle
	outcome Outcome
	record  *models.BuildRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// LifecycleInfo is a point-in-time view of a lifecycle
type LifecycleInfo struct {
	ID        string              `json:"id"`
	JobName   string              `json:"job"`
	QueueID   int64               `json:"queue_id"`
	Stage     Stage               `json:"stage"`
	Handle    *engine.BuildHandle `json:"handle,omitempty"`
	Outcome   Outcome             `json:"outcome,omitempty"`
	Record    *models.BuildRecord `json:"record,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Done is closed when the lifecycle has finished
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Cancel stops the lifecycle. It is a no-op once the lifecycle has finished.
func (l *Lifecycle) Cancel() {
	l.cancel()
}

// Outcome returns the final outcome, or "" while the lifecycle is running
func (l *Lifecycle) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}

// Record returns the final build record, if one was produced
func (l *Lifecycle) Record() *models.BuildRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// Info returns a snapshot of the lifecycle
func (l *Lifecycle) Info() LifecycleInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := LifecycleInfo{
		ID:        l.ID,
		JobName:   l.Entry.JobName,
		QueueID:   l.Entry.ID,
		Stage:     l.stage,
		Outcome:   l.outcome,
		Record:    l.record,
		CreatedAt: l.CreatedAt,
	}
	if l.handle != nil {
		h := *l.handle
		info.Handle = &h
	}
	return info
}

func (l *Lifecycle) streaming(h engine.BuildHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stage = StageStreaming
	l.handle = &h
}

func (l *Lifecycle) finish(outcome Outcome, rec *models.BuildRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stage = StageDone
	l.outcome = outcome
	l.record = rec
}

// Option configures a Tracker
type Option func(*trackerOptions)

type trackerOptions struct {
	queue            Policy
	stream           Policy
	persistOnTimeout bool
	tailSize         int
	history          int
}

// WithQueuePolicy sets the queue resolution budget
func WithQueuePolicy(p Policy) Option {
	return func(o *trackerOptions) { o.queue = p }
}

// WithStreamPolicy sets the log streaming budget
func WithStreamPolicy(p Policy) Option {
	return func(o *trackerOptions) { o.stream = p }
}

// WithPersistOnTimeout controls whether a stream timeout persists an UNKNOWN record
func WithPersistOnTimeout(persist bool) Option {
	return func(o *trackerOptions) { o.persistOnTimeout = persist }
}

// WithTailSize sets how much console output is kept for classification
func WithTailSize(n int) Option {
	return func(o *trackerOptions) { o.tailSize = n }
}

// WithHistory sets how many finished lifecycles are kept for inspection
func WithHistory(n int) Option {
	return func(o *trackerOptions) { o.history = n }
}

// Tracker runs one goroutine per lifecycle: queue resolution, then log streaming
type Tracker struct {
	bus      events.Emitter
	resolver *Resolver
	streamer *Streamer
	history  int

	mu         sync.Mutex
	lifecycles map[string]*Lifecycle
	streaming  map[string]string // handle key -> lifecycle id
	finished   []string
	closed     bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	log  *slog.Logger
}

// NewTracker creates a tracker polling ci and emitting on bus
func NewTracker(ci engine.CIServer, bus events.Emitter, opts ...Option) *Tracker {
	o := trackerOptions{
		queue:            DefaultQueuePolicy,
		stream:           DefaultStreamPolicy,
		persistOnTimeout: true,
		tailSize:         DefaultTailSize,
		history:          defaultHistory,
	}
	for _, opt := range opts {
		opt(&o)
	}

	streamer := NewStreamer(ci, bus, o.stream, o.persistOnTimeout)
	streamer.tailSize = o.tailSize

	ctx, stop := context.WithCancel(context.Background())
	return &Tracker{
		bus:        bus,
		resolver:   NewResolver(ci, bus, o.queue),
		streamer:   streamer,
		history:    o.history,
		lifecycles: make(map[string]*Lifecycle),
		streaming:  make(map[string]string),
		ctx:        ctx,
		stop:       stop,
		log:        logger.With("component", "lifecycle_tracker"),
	}
}

// Start begins tracking entry in the background
func (t *Tracker) Start(trackingID string, entry engine.QueueEntry) {
	t.Track(trackingID, entry)
}

// Track begins tracking entry and returns its lifecycle. It returns nil after Shutdown.
func (t *Tracker) Track(trackingID string, entry engine.QueueEntry) *Lifecycle {
	if trackingID == "" {
		trackingID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.log.Warn("Tracker is shut down, not tracking build", "tracking_id", trackingID, "job", entry.JobName, "queue_id", entry.ID)
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	lc := &Lifecycle{
		ID:        trackingID,
		Entry:     entry,
		CreatedAt: time.Now().UTC(),
		stage:     StageQueued,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.lifecycles[lc.ID] = lc

	t.wg.Add(1)
	go t.run(ctx, lc)

	t.log.Info("Tracking build", "tracking_id", lc.ID, "job", entry.JobName, "queue_id", entry.ID)
	return lc
}

func (t *Tracker) run(ctx context.Context, lc *Lifecycle) {
	defer t.wg.Done()
	defer close(lc.done)
	defer lc.cancel()

	res := t.resolver.Resolve(ctx, lc.ID, lc.Entry)
	if res.State != Resolved {
		t.finish(lc, Outcome(res.State), nil)
		return
	}

	key := res.Handle.Key()
	if owner, ok := t.claim(key, lc.ID); !ok {
		t.log.Info("Build already followed by another lifecycle", "tracking_id", lc.ID, "build", key, "followed_by", owner)
		lc.streaming(*res.Handle)
		t.emit(ctx, events.Event{
			Type:       events.TypeBuildMerged,
			TrackingID: lc.ID,
			JobName:    lc.Entry.JobName,
			Payload:    events.BuildMerged{Handle: *res.Handle, FollowedBy: owner},
		})
		t.finish(lc, OutcomeMerged, nil)
		return
	}
	defer t.release(key)

	lc.streaming(*res.Handle)
	t.emit(ctx, events.Event{
		Type:       events.TypeBuildStarted,
		TrackingID: lc.ID,
		JobName:    lc.Entry.JobName,
		Payload:    events.BuildStarted{Handle: *res.Handle},
	})
	sr := t.streamer.Stream(ctx, lc.ID, *res.Handle)
	t.finish(lc, Outcome(sr.State), sr.Record)
}

// claim reserves the streamer slot for a build. When the slot is taken it
// returns the id of the lifecycle holding it.
func (t *Tracker) claim(key, id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, taken := t.streaming[key]; taken {
		return owner, false
	}
	t.streaming[key] = id
	return id, true
}

func (t *Tracker) emit(ctx context.Context, ev events.Event) {
	if err := t.bus.Emit(context.WithoutCancel(ctx), ev); err != nil {
		t.log.Error("Failed to emit event", "error", err, "type", ev.Type, "tracking_id", ev.TrackingID)
	}
}

func (t *Tracker) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streaming, key)
}

func (t *Tracker) finish(lc *Lifecycle, outcome Outcome, rec *models.BuildRecord) {
	lc.finish(outcome, rec)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished = append(t.finished, lc.ID)
	for len(t.finished) > t.history {
		delete(t.lifecycles, t.finished[0])
		t.finished = t.finished[1:]
	}

	t.log.Info("Lifecycle finished", "tracking_id", lc.ID, "job", lc.Entry.JobName, "outcome", outcome)
}

// Get returns the lifecycle with the given tracking id
func (t *Tracker) Get(id string) (*Lifecycle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lc, ok := t.lifecycles[id]
	return lc, ok
}

// List returns snapshots of all known lifecycles, newest first
func (t *Tracker) List() []LifecycleInfo {
	t.mu.Lock()
	infos := make([]LifecycleInfo, 0, len(t.lifecycles))
	for _, lc := range t.lifecycles {
		infos = append(infos, lc.Info())
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// Cancel stops a running lifecycle. It returns false if the id is unknown or already finished.
func (t *Tracker) Cancel(id string) bool {
	lc, ok := t.Get(id)
	if !ok {
		return false
	}

	select {
	case <-lc.done:
		return false
	default:
	}

	lc.Cancel()
	t.log.Info("Lifecycle cancelled", "tracking_id", id)
	return true
}

// Shutdown cancels every running lifecycle and waits for them to exit
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
