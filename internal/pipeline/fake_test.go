package pipeline

import (
	"context"
	"fmt"
	"sync"

	"buildrelay/internal/engine"
	"buildrelay/internal/events"
)

type queueReply struct {
	item *engine.QueueItem
	err  error
}

type statusReply struct {
	status *engine.BuildStatus
	err    error
}

// fakeCI scripts a CI server. Replies are consumed in order and the last one
// repeats. logs[k] is the whole console text visible after k status calls.
type fakeCI struct {
	mu       sync.Mutex
	queue    []queueReply
	statuses []statusReply
	logs     []string
	logErr   error

	queueCalls  int
	statusCalls int
	logStarts   []int64
}

func (f *fakeCI) QueueItem(_ context.Context, id int64) (*engine.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.queue[min(f.queueCalls, len(f.queue)-1)]
	f.queueCalls++
	if r.err != nil {
		return nil, r.err
	}
	item := *r.item
	item.ID = id
	return &item, nil
}

func (f *fakeCI) BuildStatus(_ context.Context, h engine.BuildHandle) (*engine.BuildStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.statuses[min(f.statusCalls, len(f.statuses)-1)]
	f.statusCalls++
	if r.err != nil {
		return nil, r.err
	}
	st := *r.status
	st.Number = h.BuildNumber
	return &st, nil
}

func (f *fakeCI) ProgressiveLog(_ context.Context, _ engine.BuildHandle, start int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logStarts = append(f.logStarts, start)
	if f.logErr != nil {
		return "", f.logErr
	}
	if len(f.logs) == 0 {
		return "", nil
	}
	text := f.logs[min(f.statusCalls, len(f.logs)-1)]
	if start >= int64(len(text)) {
		return "", nil
	}
	return text[start:], nil
}

func (f *fakeCI) ConsoleURL(h engine.BuildHandle) string {
	return fmt.Sprintf("http://ci.example/job/%s/%d/console", h.JobName, h.BuildNumber)
}

func waiting() queueReply {
	return queueReply{item: &engine.QueueItem{Why: "Waiting for next available executor"}}
}

func started(n int) queueReply {
	return queueReply{item: &engine.QueueItem{Executable: &engine.Executable{Number: n}}}
}

func building() statusReply {
	return statusReply{status: &engine.BuildStatus{Building: true}}
}

func finished(result string, durationMs int64) statusReply {
	return statusReply{status: &engine.BuildStatus{Result: result, Duration: durationMs}}
}

// recorder is an Emitter that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) types() []events.Type {
	var types []events.Type
	for _, ev := range r.all() {
		types = append(types, ev.Type)
	}
	return types
}

func (r *recorder) chunks() []events.LogChunk {
	var chunks []events.LogChunk
	for _, ev := range r.all() {
		if c, ok := ev.Payload.(events.LogChunk); ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}
