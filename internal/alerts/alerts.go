// Package alerts governs the analyst-facing alert lifecycle.
//
// Status changes are optimistic: the caller names the status it saw and the
// update is rejected with a ConflictError if another writer got there first.
// Terminal statuses are never left. Every accepted change is journaled.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Store is the slice of the repository the lifecycle needs.
type Store interface {
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	FindAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error)
	CreateAlert(ctx context.Context, alert *domain.Alert, audit []*domain.AuditEntry) error
	UpdateAlertStatus(ctx context.Context, change *domain.StatusChange) (*domain.Alert, error)
	UpdateAlertNotes(ctx context.Context, id string, notes string, audit *domain.AuditEntry) (*domain.Alert, error)
	UpdateAlertSeverity(ctx context.Context, id string, expected domain.AlertStatus, severity domain.Severity, audit *domain.AuditEntry) (*domain.Alert, error)
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error)
	ListAlertAudit(ctx context.Context, alertID string) ([]*domain.AuditEntry, error)
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Service applies lifecycle rules on top of a Store.
type Service struct {
	repo     Store
	notifier domain.Notifier
	now      func() time.Time
}

// New creates a Service. notifier may be nil.
func New(repo Store, notifier domain.Notifier) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Build prepares the alert and journal for a flagged decision without
// persisting anything. An ENFORCED block yields an alert already resolved as
// fraud by the system actor.
func Build(d *domain.Decision, notes string, now time.Time) (*domain.Alert, []*domain.AuditEntry) {
	alert := &domain.Alert{
		ID:            uuid.NewString(),
		TransactionID: d.TransactionID,
		PredictionID:  d.TransactionID,
		Status:        domain.StatusNew,
		Severity:      d.Severity(),
		AnalystNotes:  notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	audit := []*domain.AuditEntry{{
		ID:       uuid.NewString(),
		AlertID:  alert.ID,
		Action:   domain.AuditCreate,
		NewValue: string(domain.StatusNew),
		Actor:    domain.SystemActor,
		Notes:    notes,
		At:       now,
	}}

	if d.Action == domain.ActionBlock && d.BlockMode == domain.BlockEnforced {
		alert.Status = domain.StatusResolvedFraud
		alert.ConfirmedFraud = true
		audit = append(audit, &domain.AuditEntry{
			ID:            uuid.NewString(),
			AlertID:       alert.ID,
			Action:        domain.AuditAutoBlock,
			PreviousValue: string(domain.StatusNew),
			NewValue:      string(domain.StatusResolvedFraud),
			Actor:         domain.SystemActor,
			Notes:         notes,
			At:            now,
		})
	}
	return alert, audit
}

// Open raises an alert by hand for a transaction that is already stored.
// If the transaction already has an alert, that alert is returned with created=false.
func (s *Service) Open(ctx context.Context, txID string, severity domain.Severity, notes, actor string) (*domain.Alert, bool, error) {
	if !severity.Valid() {
		return nil, false, &domain.ValidationError{Fields: []domain.FieldError{{Field: "severity", Message: fmt.Sprintf("unknown severity %q", severity)}}}
	}
	if _, err := s.repo.GetTransaction(ctx, txID); err != nil {
		return nil, false, err
	}

	now := s.now()
	alert := &domain.Alert{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Status:        domain.StatusNew,
		Severity:      severity,
		AnalystNotes:  notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	audit := []*domain.AuditEntry{{
		ID:       uuid.NewString(),
		AlertID:  alert.ID,
		Action:   domain.AuditCreate,
		NewValue: string(domain.StatusNew),
		Actor:    actor,
		Notes:    notes,
		At:       now,
	}}
	return s.Create(ctx, alert, audit)
}

// Create inserts alert unless its transaction already has one, in which case
// the existing alert is returned with created=false.
func (s *Service) Create(ctx context.Context, alert *domain.Alert, audit []*domain.AuditEntry) (*domain.Alert, bool, error) {
	err := s.repo.CreateAlert(ctx, alert, audit)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, ferr := s.repo.FindAlertByTransaction(ctx, alert.TransactionID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.Created(ctx, alert)
	return alert, true, nil
}

// Created records and announces an alert that was persisted elsewhere.
func (s *Service) Created(ctx context.Context, alert *domain.Alert) {
	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Severity)).Inc()
	slog.Info("alert created",
		"alert_id", alert.ID,
		"tx_id", alert.TransactionID,
		"status", alert.Status,
		"severity", alert.Severity,
	)

	if s.notifier == nil {
		return
	}
	if err := s.notifier.AlertCreated(ctx, alert); err != nil {
		metrics.NotifyFailuresTotal.WithLabelValues(domain.TopicAlertCreated).Inc()
		slog.Warn("failed to publish alert creation", "alert_id", alert.ID, "error", err)
	}
}

// Transition moves an alert from expected to next. An empty expected status
// means "whatever the alert currently is".
func (s *Service) Transition(ctx context.Context, id string, expected, next domain.AlertStatus, actor string, notes *string) (*domain.Alert, error) {
	var fields []domain.FieldError
	if !next.Valid() {
		fields = append(fields, domain.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", next)})
	}
	if expected != "" && !expected.Valid() {
		fields = append(fields, domain.FieldError{Field: "expected_status", Message: fmt.Sprintf("unknown status %q", expected)})
	}
	if actor == "" {
		fields = append(fields, domain.FieldError{Field: "actor", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	if expected == "" {
		cur, err := s.repo.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		expected = cur.Status
	}
	if !domain.CanTransition(expected, next) {
		return nil, &domain.InvalidTransitionError{AlertID: id, From: expected, To: next}
	}

	change := &domain.StatusChange{
		AlertID:  id,
		Expected: expected,
		Next:     next,
		Actor:    actor,
		Notes:    notes,
		At:       s.now(),
		AuditID:  uuid.NewString(),
	}
	alert, err := s.repo.UpdateAlertStatus(ctx, change)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			metrics.AlertConflictsTotal.Inc()
			slog.Info("alert transition rejected",
				"alert_id", id,
				"expected", expected,
				"actual", conflict.Actual,
				"actor", actor,
			)
		}
		return nil, err
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(expected), string(next)).Inc()
	slog.Info("alert transitioned",
		"alert_id", id,
		"from", expected,
		"to", next,
		"actor", actor,
	)

	entry := &domain.AuditEntry{
		ID:            change.AuditID,
		AlertID:       id,
		Action:        domain.AuditChangeStatus,
		PreviousValue: string(expected),
		NewValue:      string(next),
		Actor:         actor,
		At:            change.At,
	}
	if notes != nil {
		entry.Notes = *notes
	}
	s.updated(ctx, alert, entry)
	return alert, nil
}

// UpdateNotes replaces the analyst notes. Concurrent edits are last-writer-wins.
func (s *Service) UpdateNotes(ctx context.Context, id, notes, actor string) (*domain.Alert, error) {
	if actor == "" {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "actor", Message: "is required"}}}
	}
	cur, err := s.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	entry := &domain.AuditEntry{
		ID:            uuid.NewString(),
		AlertID:       id,
		Action:        domain.AuditAddNote,
		PreviousValue: cur.AnalystNotes,
		NewValue:      notes,
		Actor:         actor,
		At:            s.now(),
	}
	alert, err := s.repo.UpdateAlertNotes(ctx, id, notes, entry)
	if err != nil {
		return nil, err
	}
	s.updated(ctx, alert, entry)
	return alert, nil
}

// ChangeSeverity re-prioritizes an open alert. Terminal alerts are frozen.
func (s *Service) ChangeSeverity(ctx context.Context, id string, severity domain.Severity, actor string) (*domain.Alert, error) {
	var fields []domain.FieldError
	if !severity.Valid() {
		fields = append(fields, domain.FieldError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", severity)})
	}
	if actor == "" {
		fields = append(fields, domain.FieldError{Field: "actor", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	cur, err := s.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, &domain.InvalidTransitionError{AlertID: id, From: cur.Status, To: cur.Status}
	}
	if cur.Severity == severity {
		return cur, nil
	}

	entry := &domain.AuditEntry{
		ID:            uuid.NewString(),
		AlertID:       id,
		Action:        domain.AuditChangeSeverity,
		PreviousValue: string(cur.Severity),
		NewValue:      string(severity),
		Actor:         actor,
		At:            s.now(),
	}
	alert, err := s.repo.UpdateAlertSeverity(ctx, id, cur.Status, severity, entry)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			metrics.AlertConflictsTotal.Inc()
		}
		return nil, err
	}
	s.updated(ctx, alert, entry)
	return alert, nil
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return s.repo.GetAlert(ctx, id)
}

// List returns alerts, newest first.
func (s *Service) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}}}
	}
	return s.repo.ListAlerts(ctx, filter)
}

// Audit returns the journal of one alert, oldest first.
func (s *Service) Audit(ctx context.Context, id string) ([]*domain.AuditEntry, error) {
	if _, err := s.repo.GetAlert(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAlertAudit(ctx, id)
}

func (s *Service) updated(ctx context.Context, alert *domain.Alert, entry *domain.AuditEntry) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.AlertUpdated(ctx, alert, entry); err != nil {
		metrics.NotifyFailuresTotal.WithLabelValues(domain.TopicAlertUpdated).Inc()
		slog.Warn("failed to publish alert update", "alert_id", alert.ID, "error", err)
	}
}
