// Package domain defines the core types and collaborator interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the persistence collaborator of the core.
type Repository interface {
	// Rule configuration, one row per version.
	GetConfig(ctx context.Context) (*RuleConfig, error)
	SaveConfig(ctx context.Context, cfg *RuleConfig) error
	GetConfigVersion(ctx context.Context, version int64) (*RuleConfig, error)

	// Alerts
	GetAlert(ctx context.Context, id string) (*Alert, error)
	FindAlertByTransaction(ctx context.Context, txID string) (*Alert, error)
	CreateAlert(ctx context.Context, alert *Alert, audit []*AuditEntry) error
	UpdateAlertStatus(ctx context.Context, change *StatusChange) (*Alert, error)
	UpdateAlertNotes(ctx context.Context, id string, notes string, audit *AuditEntry) (*Alert, error)
	UpdateAlertSeverity(ctx context.Context, id string, expected AlertStatus, severity Severity, audit *AuditEntry) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	ListAlertAudit(ctx context.Context, alertID string) ([]*AuditEntry, error)

	// RecordEvaluation persists one evaluation atomically. When an alert for the
	// transaction already exists it is returned instead of creating a second one.
	RecordEvaluation(ctx context.Context, rec *EvaluationRecord) (*Alert, error)
	GetDecision(ctx context.Context, txID string) (*Decision, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetPrediction(ctx context.Context, txID string) (*ModelPrediction, error)

	// Ban list
	SaveBanEntry(ctx context.Context, entry *BanEntry) error
	IsBanned(ctx context.Context, entityHash string) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EvaluationRecord is everything one evaluation writes.
// Alert and Audit are empty for ALLOW decisions.
type EvaluationRecord struct {
	Transaction *Transaction
	Prediction  *ModelPrediction
	Decision    *Decision
	Alert       *Alert
	Audit       []*AuditEntry
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
