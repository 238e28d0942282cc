package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors surfaced synchronously to the caller of TriggerBuild
var (
	ErrInvalidJobName       = errors.New("invalid job name")
	ErrAuthenticationFailed = errors.New("ci authentication failed")
	ErrJobNotBuildable      = errors.New("job not found or not buildable")
	ErrSubmissionFailed     = errors.New("build submission failed")
	ErrNotFound             = errors.New("resource not found")
)

// StatusTriggered is the acknowledgment status returned once a build was submitted
const StatusTriggered = "BUILD_TRIGGERED"

// TriggerSource identifies where a build request came from
type TriggerSource string

const (
	SourceManual  TriggerSource = "manual"
	SourceWebhook TriggerSource = "webhook"
	SourceCLI     TriggerSource = "cli"
)

// BuildRequest is an immutable request to run a job
type BuildRequest struct {
	Source      TriggerSource     `json:"source"`
	JobName     string            `json:"job"`
	Params      map[string]string `json:"parameters,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// QueueEntry is the queue item the CI server assigned to a submitted request
type QueueEntry struct {
	ID      int64  `json:"queue_id"`
	JobName string `json:"job"`
}

// BuildHandle identifies one executing build
type BuildHandle struct {
	JobName     string    `json:"job"`
	BuildNumber int       `json:"build_number"`
	StartedAt   time.Time `json:"started_at"`
}

// Key returns the (job, build number) identity of the handle
func (h BuildHandle) Key() string {
	return fmt.Sprintf("%s#%d", h.JobName, h.BuildNumber)
}

// Crumb is a CSRF token issued by the CI server
type Crumb struct {
	Field string
	Value string
}

// SubmitResult is the outcome of a build submission. QueueID is zero when the
// CI server did not report a queue item.
type SubmitResult struct {
	Accepted bool
	QueueID  int64
	Location string
}

// QueueItem is the CI server's view of a queued request
type QueueItem struct {
	ID         int64       `json:"id"`
	Cancelled  bool        `json:"cancelled"`
	Why        string      `json:"why"`
	Executable *Executable `json:"executable"`
}

// Executable is the build assigned to a queue item
type Executable struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// BuildStatus is the CI server's status payload for a build.
// Result is empty while the build is running.
type BuildStatus struct {
	Number    int    `json:"number"`
	Building  bool   `json:"building"`
	Result    string `json:"result"`
	Duration  int64  `json:"duration"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
}

// TriggerResult is the synchronous acknowledgment of a trigger call
type TriggerResult struct {
	Status     string `json:"status"`
	JobName    string `json:"job"`
	QueueID    int64  `json:"queue_id,omitempty"`
	TrackingID string `json:"tracking_id,omitempty"`
	Tracked    bool   `json:"tracked"`
	Message    string `json:"message"`
}

// CIEngine is an interface for CI engines
type CIEngine interface {
	// TriggerBuild validates and submits a build, then returns without waiting for it
	TriggerBuild(ctx context.Context, req BuildRequest) (*TriggerResult, error)

	// GetBuildStatus returns the live status of a build
	GetBuildStatus(ctx context.Context, jobName string, buildNumber int) (*BuildStatus, error)
}

// CIServer is the read side of the CI API used while tracking a build
type CIServer interface {
	QueueItem(ctx context.Context, queueID int64) (*QueueItem, error)
	BuildStatus(ctx context.Context, handle BuildHandle) (*BuildStatus, error)
	ProgressiveLog(ctx context.Context, handle BuildHandle, start int64) (string, error)
	ConsoleURL(handle BuildHandle) string
}

// LifecycleStarter takes over a queued build and tracks it in the background
type LifecycleStarter interface {
	Start(trackingID string, entry QueueEntry)
}
