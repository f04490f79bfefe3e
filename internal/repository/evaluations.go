package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newID() string {
	return uuid.NewString()
}

// RecordEvaluation writes the transaction, prediction, alert, audit entries and
// decision of one evaluation in a single transaction. If an alert for the
// transaction already exists it is kept and returned. If a decision already
// exists nothing is written and ErrAlreadyExists is returned.
func (r *SQLRepository) RecordEvaluation(ctx context.Context, rec *domain.EvaluationRecord) (*domain.Alert, error) {
	if rec == nil || rec.Transaction == nil || rec.Decision == nil {
		return nil, fmt.Errorf("%w: evaluation record requires transaction and decision", domain.ErrValidation)
	}

	var out *domain.Alert
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.insertTransaction(ctx, tx, rec.Transaction); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if rec.Prediction != nil {
			if err := r.insertPrediction(ctx, tx, rec.Prediction); err != nil {
				return fmt.Errorf("insert prediction: %w", err)
			}
		}

		if rec.Alert != nil {
			inserted, err := r.insertAlert(ctx, tx, rec.Alert)
			if err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
			if inserted {
				if err := r.insertAudit(ctx, tx, rec.Audit...); err != nil {
					return err
				}
				out = rec.Alert
			} else {
				existing, err := r.findAlertByTransaction(ctx, tx, rec.Transaction.ID)
				if err != nil {
					return err
				}
				out = existing
			}
			rec.Decision.AlertID = out.ID
		}

		inserted, err := r.insertDecision(ctx, tx, rec.Decision)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		if !inserted {
			return fmt.Errorf("%w: decision for transaction %s", domain.ErrAlreadyExists, rec.Decision.TransactionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) insertTransaction(ctx context.Context, q queryer, t *domain.Transaction) error {
	_, err := r.insertIgnore(ctx, q, `
		INSERT INTO transactions (
			id, amount, currency, external_user_id, merchant_name, merchant_category,
			ip_address, ip_country, device_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Amount, t.Currency, t.ExternalUserID, t.Merchant.Name, t.Merchant.Category,
		t.IPAddress, t.IPCountry, t.DeviceID, t.CreatedAt)
	return err
}

func (r *SQLRepository) insertPrediction(ctx context.Context, q queryer, p *domain.ModelPrediction) error {
	features := []byte("{}")
	if len(p.FeaturesSnapshot) > 0 {
		var err error
		if features, err = json.Marshal(p.FeaturesSnapshot); err != nil {
			return fmt.Errorf("encode features snapshot: %w", err)
		}
	}
	_, err := r.insertIgnore(ctx, q, `
		INSERT INTO predictions (transaction_id, score, model_version, features_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, p.TransactionID, p.Score, p.ModelVersion, string(features), p.CreatedAt)
	return err
}

func (r *SQLRepository) insertDecision(ctx context.Context, q queryer, d *domain.Decision) (bool, error) {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return false, fmt.Errorf("encode reasons: %w", err)
	}
	return r.insertIgnore(ctx, q, `
		INSERT INTO decisions (
			transaction_id, action, tier, block_mode, adjusted_score, raw_score,
			reasons, escalated, config_version, alert_id, degraded, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, d.TransactionID, string(d.Action), string(d.Tier), string(d.BlockMode), d.AdjustedScore, d.RawScore,
		string(reasons), d.Escalated, d.ConfigVersion, d.AlertID, d.Degraded, d.DecidedAt)
}

// GetDecision retrieves the stored decision for a transaction.
func (r *SQLRepository) GetDecision(ctx context.Context, txID string) (*domain.Decision, error) {
	var d domain.Decision
	var action, tier, mode, reasons string

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT transaction_id, action, tier, block_mode, adjusted_score, raw_score,
			   reasons, escalated, config_version, alert_id, degraded, decided_at
		FROM decisions
		WHERE transaction_id = ?
	`), txID).Scan(
		&d.TransactionID, &action, &tier, &mode, &d.AdjustedScore, &d.RawScore,
		&reasons, &d.Escalated, &d.ConfigVersion, &d.AlertID, &d.Degraded, &d.DecidedAt,
	)
	if err != nil {
		return nil, notFound(err, "decision", txID)
	}

	d.Action = domain.Action(action)
	d.Tier = domain.RiskTier(tier)
	d.BlockMode = domain.BlockMode(mode)
	d.Reasons = []string{}
	if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons for %s: %w", txID, err)
	}
	return &d, nil
}

// GetTransaction retrieves a stored transaction.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, amount, currency, external_user_id, merchant_name, merchant_category,
			   ip_address, ip_country, device_id, created_at
		FROM transactions
		WHERE id = ?
	`), txID).Scan(
		&t.ID, &t.Amount, &t.Currency, &t.ExternalUserID, &t.Merchant.Name, &t.Merchant.Category,
		&t.IPAddress, &t.IPCountry, &t.DeviceID, &t.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "transaction", txID)
	}
	return &t, nil
}

// GetPrediction retrieves the model prediction stored for a transaction.
func (r *SQLRepository) GetPrediction(ctx context.Context, txID string) (*domain.ModelPrediction, error) {
	var p domain.ModelPrediction
	var features string
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT transaction_id, score, model_version, features_snapshot, created_at
		FROM predictions
		WHERE transaction_id = ?
	`), txID).Scan(&p.TransactionID, &p.Score, &p.ModelVersion, &features, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "prediction", txID)
	}
	if features != "" && features != "{}" {
		if err := json.Unmarshal([]byte(features), &p.FeaturesSnapshot); err != nil {
			return nil, fmt.Errorf("decode features snapshot for %s: %w", txID, err)
		}
	}
	return &p, nil
}
