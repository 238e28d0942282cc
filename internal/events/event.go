// Package events carries build lifecycle events from the pipeline to subscribers.
package events

import (
	"context"
	"time"

	"buildrelay/internal/engine"
	"buildrelay/internal/storage/models"
)

// Type is the kind of a lifecycle event
type Type string

const (
	TypeTriggered      Type = "triggered"
	TypeBuildStarted   Type = "build_started"
	TypeLogChunk       Type = "log_chunk"
	TypeBuildCompleted Type = "build_completed"
	TypeBuildCancelled Type = "build_cancelled"
	TypeBuildTimedOut  Type = "build_timed_out"
	TypeBuildMerged    Type = "build_merged"
)

// Timeout stages reported by build_timed_out
const (
	StageQueue  = "queue"
	StageStream = "stream"
)

// Event is a single lifecycle notification
type Event struct {
	Type       Type      `json:"type"`
	TrackingID string    `json:"tracking_id"`
	JobName    string    `json:"job"`
	Time       time.Time `json:"time"`
	Payload    any       `json:"payload"`

	// PersistError is set when the record carried by the event could not be saved
	PersistError string `json:"persist_error,omitempty"`
}

// Triggered is emitted once a request was accepted by the CI server
type Triggered struct {
	Request engine.BuildRequest `json:"request"`
	QueueID int64               `json:"queue_id"`
}

// BuildStarted is emitted when the queue item resolved to a build number
type BuildStarted struct {
	Handle engine.BuildHandle `json:"handle"`
}

// BuildMerged ends a lifecycle whose queue item resolved to a build that
// another lifecycle already follows. FollowedBy is that lifecycle's tracking id.
type BuildMerged struct {
	Handle     engine.BuildHandle `json:"handle"`
	FollowedBy string             `json:"followed_by"`
}

// LogChunk carries console bytes starting at Offset
type LogChunk struct {
	Handle engine.BuildHandle `json:"handle"`
	Offset int64              `json:"offset"`
	Text   string             `json:"text"`
}

// BuildCompleted carries the final record of a build
type BuildCompleted struct {
	Record *models.BuildRecord `json:"record"`
}

// BuildCancelled is emitted when the queue item was cancelled before it started
type BuildCancelled struct {
	QueueID int64  `json:"queue_id"`
	Reason  string `json:"reason,omitempty"`
}

// BuildTimedOut is emitted when a poll budget ran out. Handle is nil for
// queue timeouts; Record is set only when a timed out record was persisted.
type BuildTimedOut struct {
	Stage   string              `json:"stage"`
	QueueID int64               `json:"queue_id,omitempty"`
	Handle  *engine.BuildHandle `json:"handle,omitempty"`
	Record  *models.BuildRecord `json:"record,omitempty"`
}

// Emitter publishes lifecycle events
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// RecordSink persists final build records
type RecordSink interface {
	SaveBuildRecord(ctx context.Context, rec *models.BuildRecord) (string, error)
}

// Record returns the build record carried by ev, if any
func (ev Event) Record() *models.BuildRecord {
	switch p := ev.Payload.(type) {
	case BuildCompleted:
		return p.Record
	case *BuildCompleted:
		return p.Record
	case BuildTimedOut:
		return p.Record
	case *BuildTimedOut:
		return p.Record
	}
	return nil
}

// Handle returns the build handle carried by ev, if any
func (ev Event) Handle() *engine.BuildHandle {
	switch p := ev.Payload.(type) {
	case BuildStarted:
		return &p.Handle
	case LogChunk:
		return &p.Handle
	case BuildMerged:
		return &p.Handle
	case BuildTimedOut:
		return p.Handle
	case BuildCompleted:
		if p.Record != nil {
			return &engine.BuildHandle{JobName: p.Record.JobName, BuildNumber: p.Record.BuildNumber}
		}
	}
	return nil
}
