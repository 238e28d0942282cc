package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildrelay/internal/engine"
	"buildrelay/internal/storage/models"
)

type recordingSink struct {
	mu      sync.Mutex
	records []*models.BuildRecord
	err     error
	onSave  func()
}

func (s *recordingSink) SaveBuildRecord(_ context.Context, rec *models.BuildRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onSave != nil {
		s.onSave()
	}
	if s.err != nil {
		return "", s.err
	}
	s.records = append(s.records, rec)
	return "rec-1", nil
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_BroadcastAndFilter(t *testing.T) {
	bus := NewBus(nil, 8)
	all := bus.Subscribe(Filter{})
	demo := bus.Subscribe(Filter{JobName: "demo"})
	one := bus.Subscribe(Filter{TrackingID: "t-2"})

	require.NoError(t, bus.Emit(context.Background(), Event{Type: TypeTriggered, TrackingID: "t-1", JobName: "demo"}))
	require.NoError(t, bus.Emit(context.Background(), Event{Type: TypeTriggered, TrackingID: "t-2", JobName: "other"}))

	assert.Equal(t, "t-1", receive(t, all).TrackingID)
	assert.Equal(t, "t-2", receive(t, all).TrackingID)
	assert.Equal(t, "t-1", receive(t, demo).TrackingID)
	assert.Equal(t, "t-2", receive(t, one).TrackingID)

	assert.Empty(t, demo.C)
	assert.Empty(t, one.C)
}

func TestBus_EmitSetsTime(t *testing.T) {
	bus := NewBus(nil, 1)
	sub := bus.Subscribe(Filter{})

	require.NoError(t, bus.Emit(context.Background(), Event{Type: TypeTriggered}))
	assert.False(t, receive(t, sub).Time.IsZero())
}

func TestBus_PersistsBeforeBroadcast(t *testing.T) {
	bus := NewBus(nil, 4)
	sub := bus.Subscribe(Filter{})

	var queuedAtSave int
	sink := &recordingSink{onSave: func() { queuedAtSave = len(sub.C) }}
	bus.sink = sink

	rec := &models.BuildRecord{JobName: "demo", BuildNumber: 7, Status: models.StatusSuccess}
	require.NoError(t, bus.Emit(context.Background(), Event{
		Type:    TypeBuildCompleted,
		JobName: "demo",
		Payload: BuildCompleted{Record: rec},
	}))

	assert.Equal(t, 0, queuedAtSave)
	require.Len(t, sink.records, 1)

	ev := receive(t, sub)
	require.NotNil(t, ev.Record())
	assert.Equal(t, "rec-1", ev.Record().ID)
	assert.Empty(t, ev.PersistError)
}

func TestBus_PersistsTimedOutRecord(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, 4)

	require.NoError(t, bus.Emit(context.Background(), Event{
		Type:    TypeBuildTimedOut,
		Payload: BuildTimedOut{Stage: StageStream},
	}))
	assert.Empty(t, sink.records)

	rec := &models.BuildRecord{JobName: "demo", BuildNumber: 3, Status: models.StatusUnknown, TimedOut: true}
	require.NoError(t, bus.Emit(context.Background(), Event{
		Type:    TypeBuildTimedOut,
		Payload: BuildTimedOut{Stage: StageStream, Record: rec},
	}))
	assert.Len(t, sink.records, 1)
}

func TestBus_PersistFailureStillBroadcasts(t *testing.T) {
	bus := NewBus(&recordingSink{err: errors.New("disk full")}, 4)
	sub := bus.Subscribe(Filter{})

	err := bus.Emit(context.Background(), Event{
		Type:    TypeBuildCompleted,
		Payload: BuildCompleted{Record: &models.BuildRecord{JobName: "demo", BuildNumber: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	ev := receive(t, sub)
	assert.Equal(t, TypeBuildCompleted, ev.Type)
	assert.Contains(t, ev.PersistError, "disk full")
	require.NotNil(t, ev.Record())
	assert.Empty(t, ev.Record().ID)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil, 1)
	slow := bus.Subscribe(Filter{})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Emit(context.Background(), Event{Type: TypeLogChunk}))
	}

	assert.Len(t, slow.C, 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil, 1)
	sub := bus.Subscribe(Filter{})
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(nil)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok)

	require.NoError(t, bus.Emit(context.Background(), Event{Type: TypeTriggered}))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil, 1)
	a := bus.Subscribe(Filter{})
	b := bus.Subscribe(Filter{JobName: "demo"})

	bus.Close()

	_, okA := <-a.C
	_, okB := <-b.C
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_ConcurrentEmitters(t *testing.T) {
	bus := NewBus(nil, 1000)
	sub := bus.Subscribe(Filter{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Emit(context.Background(), Event{Type: TypeLogChunk})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sub.C, 500)
}

func TestEvent_Handle(t *testing.T) {
	h := engine.BuildHandle{JobName: "demo", BuildNumber: 7}

	assert.Nil(t, Event{Payload: Triggered{}}.Handle())
	assert.Equal(t, "demo#7", Event{Payload: BuildStarted{Handle: h}}.Handle().Key())
	assert.Equal(t, "demo#7", Event{Payload: LogChunk{Handle: h}}.Handle().Key())
	assert.Equal(t, "demo#7", Event{Payload: BuildCompleted{Record: &models.BuildRecord{JobName: "demo", BuildNumber: 7}}}.Handle().Key())
	assert.Nil(t, Event{Payload: BuildTimedOut{Stage: StageQueue}}.Handle())
}
