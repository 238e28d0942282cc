package storage

import (
	"context"
	"fmt"

	"buildrelay/internal/config"
	"buildrelay/internal/storage/models"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// RecordFilter narrows a build record listing
type RecordFilter struct {
	JobName string
	Limit   int
	Offset  int
}

// Store persists build records and audit logs
type Store interface {
	// SaveBuildRecord appends a record and returns its generated identifier
	SaveBuildRecord(ctx context.Context, rec *models.BuildRecord) (string, error)
	ListBuildRecords(ctx context.Context, filter RecordFilter) ([]models.BuildRecord, error)
	InsertAuditLog(ctx context.Context, log models.AuditLog) error
	GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open opens the store selected by the database configuration
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg.Path)
	case DriverPostgres:
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
