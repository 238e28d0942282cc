package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"buildrelay/internal/logger"
	"buildrelay/internal/storage/models"

	_ "github.com/mattn/go-sqlite3"
)

const timestampFormat = "2006-01-02 15:04:05.000000"

// SQLStore implements Store on database/sql. The SQL is shared between drivers;
// placeholders are written as ? and rebound for drivers that need $n.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens (or creates) a SQLite database and applies migrations
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// SQLite doesn't support multiple writers; keep a small pool for concurrent reads
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return openSQLStore(db, DriverSQLite)
}

func openSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database initialized successfully", "driver", driver)
	return &SQLStore{db: db, driver: driver}, nil
}

// rebind converts ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timestamp encodes t for the active driver
func (s *SQLStore) timestamp(t time.Time) any {
	if s.driver == DriverSQLite {
		return t.UTC().Format(timestampFormat)
	}
	return t.UTC()
}

// SaveBuildRecord inserts a build record. A second record for the same
// (job, build number) is rejected by the schema.
func (s *SQLStore) SaveBuildRecord(ctx context.Context, rec *models.BuildRecord) (string, error) {
	if rec == nil {
		return "", errors.New("build record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	suggestions, err := json.Marshal(rec.Suggestions)
	if err != nil {
		return "", fmt.Errorf("encode suggestions: %w", err)
	}
	if rec.Suggestions == nil {
		suggestions = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO build_records (id, tracking_id, job_name, build_number, status, duration_ms, console_link, error_summary, failure_category, failure_confidence, suggestions, timed_out, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.TrackingID,
		rec.JobName,
		rec.BuildNumber,
		string(rec.Status),
		rec.DurationMillis,
		rec.ConsoleLink,
		rec.ErrorSummary,
		rec.FailureCategory,
		rec.FailureConfidence,
		string(suggestions),
		rec.TimedOut,
		s.timestamp(rec.CompletedAt),
	)
	if err != nil {
		logger.Error("Failed to insert build record", "error", err, "job", rec.JobName, "build", rec.BuildNumber)
		return "", fmt.Errorf("insert build record: %w", err)
	}

	return rec.ID, nil
}

// ListBuildRecords returns records newest first
func (s *SQLStore) ListBuildRecords(ctx context.Context, filter RecordFilter) ([]models.BuildRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := `SELECT id, tracking_id, job_name, build_number, status, duration_ms, console_link, error_summary, failure_category, failure_confidence, suggestions, timed_out, completed_at FROM build_records`
	args := []any{}
	if filter.JobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, filter.JobName)
	}
	query += ` ORDER BY completed_at DESC, build_number DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.BuildRecord{}
	for rows.Next() {
		var rec models.BuildRecord
		var status, suggestions string
		var completedAt any

		if err := rows.Scan(
			&rec.ID,
			&rec.TrackingID,
			&rec.JobName,
			&rec.BuildNumber,
			&status,
			&rec.DurationMillis,
			&rec.ConsoleLink,
			&rec.ErrorSummary,
			&rec.FailureCategory,
			&rec.FailureConfidence,
			&suggestions,
			&rec.TimedOut,
			&completedAt,
		); err != nil {
			return nil, err
		}

		rec.Status = models.BuildStatus(status)
		rec.CompletedAt = parseTimestamp(completedAt)
		if suggestions != "" && suggestions != "[]" {
			if err := json.Unmarshal([]byte(suggestions), &rec.Suggestions); err != nil {
				logger.Warn("Failed to decode stored suggestions", "error", err, "id", rec.ID)
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// InsertAuditLog inserts a new audit log entry
func (s *SQLStore) InsertAuditLog(ctx context.Context, log models.AuditLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_logs (timestamp, api_key, method, path, status, job_name, params, result, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.timestamp(log.Timestamp),
		log.APIKey,
		log.Method,
		log.Path,
		log.Status,
		log.JobName,
		log.Params,
		log.Result,
		log.Error,
	)
	if err != nil {
		logger.Error("Failed to insert audit log", "error", err)
		return err
	}

	return nil
}

// GetAuditLogs retrieves audit logs with pagination
func (s *SQLStore) GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, timestamp, api_key, method, path, status, job_name, params, result, error FROM audit_logs ORDER BY id DESC LIMIT ? OFFSET ?`),
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var log models.AuditLog
		var timestamp any
		var jobName, params, result, errText sql.NullString

		if err := rows.Scan(
			&log.ID,
			&timestamp,
			&log.APIKey,
			&log.Method,
			&log.Path,
			&log.Status,
			&jobName,
			&params,
			&result,
			&errText,
		); err != nil {
			return nil, err
		}

		log.Timestamp = parseTimestamp(timestamp)
		log.JobName = jobName.String
		log.Params = params.String
		log.Result = result.String
		log.Error = errText.String

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// parseTimestamp accepts the representations drivers hand back for a timestamp
// column: time.Time, or text in one of the formats we write.
func parseTimestamp(v any) time.Time {
	var str string
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		str = t
	case []byte:
		str = string(t)
	default:
		return time.Time{}
	}

	for _, layout := range []string{timestampFormat, "2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, str); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
