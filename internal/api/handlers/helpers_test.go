package handlers_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"buildrelay/internal/engine"
	"buildrelay/internal/storage"
	"buildrelay/internal/storage/models"
)

// mockCIEngine is a mock implementation of engine.CIEngine
type mockCIEngine struct {
	TriggerBuildFunc   func(req engine.BuildRequest) (*engine.TriggerResult, error)
	GetBuildStatusFunc func(jobName string, buildNumber int) (*engine.BuildStatus, error)

	requests []engine.BuildRequest
}

func (m *mockCIEngine) TriggerBuild(_ context.Context, req engine.BuildRequest) (*engine.TriggerResult, error) {
	m.requests = append(m.requests, req)
	if m.TriggerBuildFunc != nil {
		return m.TriggerBuildFunc(req)
	}
	return &engine.TriggerResult{
		Status:     engine.StatusTriggered,
		JobName:    req.JobName,
		QueueID:    42,
		TrackingID: "tracking-1",
		Tracked:    true,
		Message:    "Build queued",
	}, nil
}

func (m *mockCIEngine) GetBuildStatus(_ context.Context, jobName string, buildNumber int) (*engine.BuildStatus, error) {
	if m.GetBuildStatusFunc != nil {
		return m.GetBuildStatusFunc(jobName, buildNumber)
	}
	return &engine.BuildStatus{Number: buildNumber, Result: "SUCCESS"}, nil
}

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "handlers-test.db"))
	if err != nil {
		t.Fatalf("Failed to init storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// failingStore fails every call
type failingStore struct{}

var errStoreDown = errors.New("database is locked")

func (failingStore) InsertAuditLog(context.Context, models.AuditLog) error { return errStoreDown }

func (failingStore) GetAuditLogs(context.Context, int, int) ([]models.AuditLog, error) {
	return nil, errStoreDown
}

func (failingStore) ListBuildRecords(context.Context, storage.RecordFilter) ([]models.BuildRecord, error) {
	return nil, errStoreDown
}
