package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveBanEntry adds a hashed entity to the ban list. Re-adding is a no-op.
func (r *SQLRepository) SaveBanEntry(ctx context.Context, entry *domain.BanEntry) error {
	_, err := r.insertIgnore(ctx, r.db, `
		INSERT INTO suspicious_entities (entity_hash, entity_type, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_hash) DO NOTHING
	`, entry.EntityHash, string(entry.EntityType), entry.Reason, entry.CreatedAt)
	return err
}

// IsBanned reports whether a hash is on the ban list.
func (r *SQLRepository) IsBanned(ctx context.Context, entityHash string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT 1 FROM suspicious_entities WHERE entity_hash = ?
	`), entityHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
