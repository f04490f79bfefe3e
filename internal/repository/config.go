package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GetConfig returns the highest persisted rule config version.
func (r *SQLRepository) GetConfig(ctx context.Context) (*domain.RuleConfig, error) {
	query := `SELECT payload FROM rule_config_versions ORDER BY version DESC LIMIT 1`
	return r.scanConfig(r.db.QueryRowContext(ctx, query), "latest")
}

// GetConfigVersion returns one historical rule config version.
func (r *SQLRepository) GetConfigVersion(ctx context.Context, version int64) (*domain.RuleConfig, error) {
	query := `SELECT payload FROM rule_config_versions WHERE version = ?`
	return r.scanConfig(r.db.QueryRowContext(ctx, r.rebind(query), version), strconv.FormatInt(version, 10))
}

// SaveConfig appends a version. Versions are immutable; rewriting one returns ErrAlreadyExists.
func (r *SQLRepository) SaveConfig(ctx context.Context, cfg *domain.RuleConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode rule config: %w", err)
	}

	inserted, err := r.insertIgnore(ctx, r.db, `
		INSERT INTO rule_config_versions (version, payload, updated_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (version) DO NOTHING
	`, cfg.Version, string(payload), cfg.UpdatedBy, cfg.UpdatedAt)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: rule config version %d", domain.ErrAlreadyExists, cfg.Version)
	}
	return nil
}

func (r *SQLRepository) scanConfig(row interface{ Scan(...any) error }, version string) (*domain.RuleConfig, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		return nil, notFound(err, "rule config", version)
	}

	var cfg domain.RuleConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("decode rule config %s: %w", version, err)
	}
	return &cfg, nil
}
