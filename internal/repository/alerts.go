package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const alertColumns = `id, transaction_id, prediction_id, status, severity, confirmed_fraud, analyst_notes, created_at, updated_at`

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	return r.getAlert(ctx, r.db, id)
}

func (r *SQLRepository) getAlert(ctx context.Context, q queryer, id string) (*domain.Alert, error) {
	row := q.QueryRowContext(ctx, r.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	alert, err := scanAlert(row)
	if err != nil {
		return nil, notFound(err, "alert", id)
	}
	return alert, nil
}

// FindAlertByTransaction retrieves the alert raised for a transaction.
func (r *SQLRepository) FindAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	return r.findAlertByTransaction(ctx, r.db, txID)
}

func (r *SQLRepository) findAlertByTransaction(ctx context.Context, q queryer, txID string) (*domain.Alert, error) {
	row := q.QueryRowContext(ctx, r.rebind(`SELECT `+alertColumns+` FROM alerts WHERE transaction_id = ?`), txID)
	alert, err := scanAlert(row)
	if err != nil {
		return nil, notFound(err, "alert for transaction", txID)
	}
	return alert, nil
}

// CreateAlert inserts an alert and its audit entries. A second alert for the
// same transaction returns ErrAlreadyExists and writes nothing.
func (r *SQLRepository) CreateAlert(ctx context.Context, alert *domain.Alert, audit []*domain.AuditEntry) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		inserted, err := r.insertAlert(ctx, tx, alert)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: alert for transaction %s", domain.ErrAlreadyExists, alert.TransactionID)
		}
		return r.insertAudit(ctx, tx, audit...)
	})
}

func (r *SQLRepository) insertAlert(ctx context.Context, q queryer, a *domain.Alert) (bool, error) {
	return r.insertIgnore(ctx, q, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, a.ID, a.TransactionID, a.PredictionID, string(a.Status), string(a.Severity),
		a.ConfirmedFraud, a.AnalystNotes, a.CreatedAt, a.UpdatedAt)
}

func (r *SQLRepository) insertAudit(ctx context.Context, q queryer, entries ...*domain.AuditEntry) error {
	for _, e := range entries {
		_, err := q.ExecContext(ctx, r.rebind(`
			INSERT INTO alert_audit (id, alert_id, action_type, previous_value, new_value, actor, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), e.ID, e.AlertID, string(e.Action), e.PreviousValue, e.NewValue, e.Actor, e.Notes, e.At)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return nil
}

// UpdateAlertStatus applies a guarded status change. The row is only touched
// if its status still equals change.Expected; otherwise a ConflictError
// carrying the actual status is returned.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, change *domain.StatusChange) (*domain.Alert, error) {
	var out *domain.Alert
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE alerts
			SET status = ?, confirmed_fraud = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`
		args := []any{string(change.Next), change.Next == domain.StatusResolvedFraud, change.At, change.AlertID, string(change.Expected)}
		if change.Notes != nil {
			query = `
				UPDATE alerts
				SET status = ?, confirmed_fraud = ?, updated_at = ?, analyst_notes = ?
				WHERE id = ? AND status = ?
			`
			args = []any{string(change.Next), change.Next == domain.StatusResolvedFraud, change.At, *change.Notes, change.AlertID, string(change.Expected)}
		}

		res, err := tx.ExecContext(ctx, r.rebind(query), args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return r.guardFailure(ctx, tx, change.AlertID, change.Expected, change.Next)
		}

		action := change.Audit
		if action == "" {
			action = domain.AuditChangeStatus
		}
		id := change.AuditID
		if id == "" {
			id = newID()
		}
		entry := &domain.AuditEntry{
			ID:            id,
			AlertID:       change.AlertID,
			Action:        action,
			PreviousValue: string(change.Expected),
			NewValue:      string(change.Next),
			Actor:         change.Actor,
			At:            change.At,
		}
		if change.Notes != nil {
			entry.Notes = *change.Notes
		}
		if err := r.insertAudit(ctx, tx, entry); err != nil {
			return err
		}

		out, err = r.getAlert(ctx, tx, change.AlertID)
		return err
	})
	return out, err
}

// UpdateAlertNotes overwrites the analyst notes. Last writer wins.
func (r *SQLRepository) UpdateAlertNotes(ctx context.Context, id string, notes string, audit *domain.AuditEntry) (*domain.Alert, error) {
	var out *domain.Alert
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE alerts SET analyst_notes = ?, updated_at = ? WHERE id = ?
		`), notes, audit.At, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return domain.NotFound("alert", id)
		}
		if err := r.insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		out, err = r.getAlert(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateAlertSeverity changes the severity if the status still equals expected.
func (r *SQLRepository) UpdateAlertSeverity(ctx context.Context, id string, expected domain.AlertStatus, severity domain.Severity, audit *domain.AuditEntry) (*domain.Alert, error) {
	var out *domain.Alert
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE alerts SET severity = ?, updated_at = ? WHERE id = ? AND status = ?
		`), string(severity), audit.At, id, string(expected))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return r.guardFailure(ctx, tx, id, expected, "")
		}
		if err := r.insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		out, err = r.getAlert(ctx, tx, id)
		return err
	})
	return out, err
}

// guardFailure explains why a conditional update matched no row. An alert
// that reached a terminal status meanwhile is reported as an invalid
// transition toward next, or toward itself when next is empty.
func (r *SQLRepository) guardFailure(ctx context.Context, q queryer, id string, expected, next domain.AlertStatus) error {
	var actual string
	err := q.QueryRowContext(ctx, r.rebind(`SELECT status FROM alerts WHERE id = ?`), id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound("alert", id)
	}
	if err != nil {
		return err
	}
	current := domain.AlertStatus(actual)
	if current.Terminal() {
		if next == "" {
			next = current
		}
		return &domain.InvalidTransitionError{AlertID: id, From: current, To: next}
	}
	return &domain.ConflictError{AlertID: id, Expected: expected, Actual: current}
}

// ListAlerts returns alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListAlertAudit returns the journal of one alert in the order it was written.
func (r *SQLRepository) ListAlertAudit(ctx context.Context, alertID string) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, alert_id, action_type, previous_value, new_value, actor, notes, created_at
		FROM alert_audit
		WHERE alert_id = ?
		ORDER BY created_at, CASE action_type WHEN 'CREATE' THEN 0 ELSE 1 END, id
	`), alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.AlertID, &action, &e.PreviousValue, &e.NewValue, &e.Actor, &e.Notes, &e.At); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func scanAlert(row interface{ Scan(...any) error }) (*domain.Alert, error) {
	var a domain.Alert
	var status, severity string
	err := row.Scan(&a.ID, &a.TransactionID, &a.PredictionID, &status, &severity,
		&a.ConfirmedFraud, &a.AnalystNotes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AlertStatus(status)
	a.Severity = domain.Severity(severity)
	return &a, nil
}
