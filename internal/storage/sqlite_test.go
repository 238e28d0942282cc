package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildrelay/internal/config"
	"buildrelay/internal/storage/models"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "buildrelay-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRecord(job string, number int, status models.BuildStatus, completed time.Time) *models.BuildRecord {
	return &models.BuildRecord{
		JobName:        job,
		BuildNumber:    number,
		Status:         status,
		DurationMillis: 1500,
		ConsoleLink:    "http://jenkins/job/" + job + "/console",
		CompletedAt:    completed,
	}
}

func TestCloseNil(t *testing.T) {
	var s *SQLStore
	assert.NoError(t, s.Close())
	assert.NoError(t, (&SQLStore{}).Close())
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.db")
	s, err := Open(config.DatabaseConfig{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSaveBuildRecord_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	completed := time.Date(2026, 3, 4, 10, 30, 0, 123000000, time.UTC)

	rec := makeRecord("demo", 7, models.StatusFailure, completed)
	rec.TrackingID = "lc-1"
	rec.ErrorSummary = "npm ERR! failed: ETIMEDOUT"
	rec.FailureCategory = "dependencies"
	rec.FailureConfidence = 0.7
	rec.Suggestions = []string{"Retry the install", "Check the registry mirror"}

	id, err := s.SaveBuildRecord(ctx, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.ID)

	got, err := s.ListBuildRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "lc-1", got[0].TrackingID)
	assert.Equal(t, "demo", got[0].JobName)
	assert.Equal(t, 7, got[0].BuildNumber)
	assert.Equal(t, models.StatusFailure, got[0].Status)
	assert.Equal(t, int64(1500), got[0].DurationMillis)
	assert.Equal(t, "dependencies", got[0].FailureCategory)
	assert.InDelta(t, 0.7, got[0].FailureConfidence, 1e-9)
	assert.Equal(t, rec.Suggestions, got[0].Suggestions)
	assert.False(t, got[0].TimedOut)
	assert.True(t, completed.Equal(got[0].CompletedAt), "expected %s, got %s", completed, got[0].CompletedAt)
}

func TestSaveBuildRecord_OnePerBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.SaveBuildRecord(ctx, makeRecord("demo", 7, models.StatusSuccess, now))
	require.NoError(t, err)

	_, err = s.SaveBuildRecord(ctx, makeRecord("demo", 7, models.StatusFailure, now))
	assert.Error(t, err, "a second record for the same build must be rejected")

	_, err = s.SaveBuildRecord(ctx, makeRecord("demo", 8, models.StatusSuccess, now))
	assert.NoError(t, err)
}

func TestSaveBuildRecord_Nil(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.SaveBuildRecord(context.Background(), nil)
	assert.Error(t, err)
}

func TestListBuildRecords_FilterAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		_, err := s.SaveBuildRecord(ctx, makeRecord("api", i, models.StatusSuccess, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := s.SaveBuildRecord(ctx, makeRecord("web", 1, models.StatusAborted, base))
	require.NoError(t, err)

	all, err := s.ListBuildRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	api, err := s.ListBuildRecords(ctx, RecordFilter{JobName: "api"})
	require.NoError(t, err)
	require.Len(t, api, 3)
	assert.Equal(t, 3, api[0].BuildNumber, "newest record first")
	assert.Equal(t, 1, api[2].BuildNumber)

	page, err := s.ListBuildRecords(ctx, RecordFilter{JobName: "api", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 2, page[0].BuildNumber)
}

func TestAuditLogs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	baseTime := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertAuditLog(ctx, models.AuditLog{
			Timestamp: baseTime.Add(time.Duration(i) * 100 * time.Millisecond),
			APIKey:    "test-api-key",
			Method:    "POST",
			Path:      "/api/v1/trigger",
			Status:    200,
			JobName:   "test-job",
			Params:    `{"param1":"value1"}`,
			Result:    "success",
		}))
	}
	require.NoError(t, s.InsertAuditLog(ctx, models.AuditLog{
		Timestamp: baseTime.Add(time.Second),
		APIKey:    "test-api-key",
		Method:    "POST",
		Path:      "/api/v1/trigger",
		Status:    502,
		JobName:   "test-job",
		Result:    "failed",
		Error:     "jenkins server error",
	}))

	logs, err := s.GetAuditLogs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 6)

	for i := 0; i < len(logs)-1; i++ {
		assert.Greater(t, logs[i].ID, logs[i+1].ID, "logs must be ordered by ID DESC")
	}
	for i, log := range logs {
		assert.False(t, log.Timestamp.IsZero(), "log %d has zero timestamp", i)
	}
	assert.Equal(t, "jenkins server error", logs[0].Error)
	assert.Equal(t, 502, logs[0].Status)

	page, err := s.GetAuditLogs(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
