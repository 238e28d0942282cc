package jenkins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"buildrelay/internal/engine"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
)

const maxJobNameLength = 255

// triggerState tracks how far a trigger call got; it is logged on failure
type triggerState string

const (
	stateIdle           triggerState = "idle"
	stateAuthChecked    triggerState = "auth_checked"
	stateJobVerified    triggerState = "job_verified"
	stateSubmitted      triggerState = "submitted"
	stateQueueResolving triggerState = "queue_resolving"
	stateFailed         triggerState = "failed"
)

// Trigger implements the CIEngine interface for Jenkins
type Trigger struct {
	client  *Client
	starter engine.LifecycleStarter
	bus     events.Emitter
}

// NewTrigger creates a new Jenkins trigger instance. Accepted builds are handed
// to starter for tracking; starter and bus may be nil.
func NewTrigger(client *Client, starter engine.LifecycleStarter, bus events.Emitter) *Trigger {
	return &Trigger{
		client:  client,
		starter: starter,
		bus:     bus,
	}
}

// ValidateJobName rejects names that could escape the /job/<name> path
func ValidateJobName(jobName string) error {
	if jobName == "" {
		return fmt.Errorf("%w: job name cannot be empty", engine.ErrInvalidJobName)
	}
	if strings.Contains(jobName, "..") || strings.Contains(jobName, "/") {
		return fmt.Errorf("%w: %q", engine.ErrInvalidJobName, jobName)
	}
	if len(jobName) > maxJobNameLength {
		return fmt.Errorf("%w: longer than %d characters", engine.ErrInvalidJobName, maxJobNameLength)
	}
	return nil
}

// TriggerBuild checks credentials and the job, submits the build and hands the
// queue item off for tracking. It returns as soon as Jenkins accepted the request.
func (t *Trigger) TriggerBuild(ctx context.Context, req engine.BuildRequest) (*engine.TriggerResult, error) {
	if err := ValidateJobName(req.JobName); err != nil {
		return nil, err
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	log := logger.With("job", req.JobName, "source", req.Source)
	state := stateIdle
	fail := func(err error) (*engine.TriggerResult, error) {
		log.Warn("Build trigger failed", "state", state, "error", err)
		return nil, err
	}

	if !t.client.CheckAuth(ctx) {
		return fail(engine.ErrAuthenticationFailed)
	}
	state = stateAuthChecked

	if !t.client.CheckJobBuildable(ctx, req.JobName) {
		return fail(fmt.Errorf("%w: %s", engine.ErrJobNotBuildable, req.JobName))
	}
	state = stateJobVerified

	crumb := t.client.FetchCrumb(ctx)
	submitted, err := t.client.Submit(ctx, req.JobName, req.Params, crumb)
	if err != nil {
		state = stateFailed
		return fail(err)
	}
	state = stateSubmitted

	result := &engine.TriggerResult{
		Status:     engine.StatusTriggered,
		JobName:    req.JobName,
		QueueID:    submitted.QueueID,
		TrackingID: uuid.NewString(),
	}

	t.emit(ctx, events.Event{
		Type:       events.TypeTriggered,
		TrackingID: result.TrackingID,
		JobName:    req.JobName,
		Payload:    events.Triggered{Request: req, QueueID: submitted.QueueID},
	})

	if submitted.QueueID == 0 {
		log.Warn("Jenkins did not report a queue item, build will not be tracked", "location", submitted.Location)
		result.Message = fmt.Sprintf("Triggered Jenkins build for job %s; no queue item was reported so it is not tracked", req.JobName)
		return result, nil
	}

	result.Message = fmt.Sprintf("Successfully triggered Jenkins build for job %s", req.JobName)
	if t.starter != nil {
		t.starter.Start(result.TrackingID, engine.QueueEntry{ID: submitted.QueueID, JobName: req.JobName})
		result.Tracked = true
		state = stateQueueResolving
	}

	log.Info("Build triggered", "state", state, "queue_id", submitted.QueueID, "tracking_id", result.TrackingID)
	return result, nil
}

// GetBuildStatus returns the live status of a Jenkins build
func (t *Trigger) GetBuildStatus(ctx context.Context, jobName string, buildNumber int) (*engine.BuildStatus, error) {
	if err := ValidateJobName(jobName); err != nil {
		return nil, err
	}
	if buildNumber <= 0 {
		return nil, fmt.Errorf("invalid build number: %d", buildNumber)
	}

	return t.client.BuildStatus(ctx, engine.BuildHandle{JobName: jobName, BuildNumber: buildNumber})
}

func (t *Trigger) emit(ctx context.Context, ev events.Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Emit(ctx, ev); err != nil {
		logger.Error("Failed to emit event", "error", err, "type", ev.Type)
	}
}
