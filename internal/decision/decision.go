// Package decision is the evaluation boundary: it turns a scored transaction
// into a persisted Decision, exactly once per transaction.
//
// One evaluation runs under the user's shard lock and either commits the
// transaction, prediction, decision and alert together or leaves no trace,
// including in the anomaly counter. When a collaborator fails the caller
// still gets a decision, never more permissive than REVIEW, marked Degraded.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

const decisionCachePrefix = "decision:"

var errConfigNotLoaded = errors.New("rule config not loaded")

// Store is the slice of the repository the evaluation boundary needs.
type Store interface {
	RecordEvaluation(ctx context.Context, rec *domain.EvaluationRecord) (*domain.Alert, error)
	GetDecision(ctx context.Context, txID string) (*domain.Decision, error)
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
	GetPrediction(ctx context.Context, txID string) (*domain.ModelPrediction, error)
	SaveBanEntry(ctx context.Context, entry *domain.BanEntry) error
	IsBanned(ctx context.Context, entityHash string) (bool, error)
}

// ConfigSource provides the active rule config and past versions.
type ConfigSource interface {
	Get() *domain.RuleConfig
	Version(ctx context.Context, version int64) (*domain.RuleConfig, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches decisions and ban-list lookups.
func WithCache(c domain.Cache, decisionTTL, banTTL time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.decisionTTL = decisionTTL
		s.banTTL = banTTL
	}
}

// WithEventBus publishes every new decision on TopicDecision.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithGeoResolver fills ip_country when the caller left it empty.
func WithGeoResolver(g GeoResolver) Option {
	return func(s *Service) { s.geo = g }
}

// scoreAdjuster is satisfied by *rules.Adjuster.
type scoreAdjuster interface {
	Adjust(rawScore float64, tx *domain.Transaction, cfg *domain.RuleConfig) (*rules.Adjustment, error)
}

// Service evaluates scored transactions.
type Service struct {
	repo     Store
	configs  ConfigSource
	adjuster scoreAdjuster
	tracker  anomaly.Tracker
	alerts   *alerts.Service

	cache       domain.Cache
	decisionTTL time.Duration
	banTTL      time.Duration
	bus         domain.EventBus
	geo         GeoResolver

	locks  syncutil.ShardedMutex
	tracer trace.Tracer
	now    func() time.Time
}

// New builds a Service.
func New(repo Store, configs ConfigSource, tracker anomaly.Tracker, lifecycle *alerts.Service, opts ...Option) (*Service, error) {
	adjuster, err := rules.NewAdjuster()
	if err != nil {
		return nil, err
	}

	s := &Service{
		repo:     repo,
		configs:  configs,
		adjuster: adjuster,
		tracker:  tracker,
		alerts:   lifecycle,
		tracer:   otel.Tracer("kestrel-decision"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Evaluate decides a scored transaction. Re-evaluating a transaction returns
// the stored decision unchanged.
//
// On collaborator failure the returned error wraps ErrUpstreamUnavailable and
// the returned decision is the fail-closed one: Degraded, not persisted, and
// REVIEW unless BLOCK was already decided.
func (s *Service) Evaluate(ctx context.Context, in *domain.ScoredTransaction) (*domain.Decision, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	txID := in.Transaction.ID
	ctx, span := s.tracer.Start(ctx, "decision.Evaluate",
		trace.WithAttributes(
			attribute.String("kestrel.tx_id", txID),
			attribute.Float64("kestrel.raw_score", in.RawScore),
		),
	)
	defer span.End()
	start := time.Now()

	if d, err := s.lookup(ctx, txID); err != nil {
		return s.failClosed(ctx, span, s.pending(in, nil), "lookup", err)
	} else if d != nil {
		metrics.IdempotentReplaysTotal.Inc()
		return d, nil
	}

	unlock := s.locks.Lock(in.Transaction.ExternalUserID)
	defer unlock()

	// A concurrent evaluation of the same transaction may have committed while we waited.
	if d, err := s.lookup(ctx, txID); err != nil {
		return s.failClosed(ctx, span, s.pending(in, nil), "lookup", err)
	} else if d != nil {
		metrics.IdempotentReplaysTotal.Inc()
		return d, nil
	}

	cfg := s.configs.Get()
	if cfg == nil {
		return s.failClosed(ctx, span, s.pending(in, nil), "config", domain.Unavailable("config snapshot", errConfigNotLoaded))
	}

	tx := in.Transaction
	s.resolveCountry(&tx)
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}

	d := s.pending(in, cfg)
	adj, err := s.adjuster.Adjust(in.RawScore, &tx, cfg)
	if err != nil {
		return s.failClosed(ctx, span, d, "adjust", domain.Unavailable("score adjustment", err))
	}
	class := rules.Classify(adj.Score, cfg)
	d.AdjustedScore = adj.Score.String()
	d.Reasons = adj.Reasons
	d.Tier = class.Tier
	d.Action = class.Action
	d.BlockMode = class.BlockMode

	notes := fmt.Sprintf("Score IA: %.2f", in.RawScore)

	banReason, err := s.checkBans(ctx, &tx)
	if err != nil {
		return s.failClosed(ctx, span, d, "banlist", err)
	}

	var obs *anomaly.Observation
	if banReason != "" {
		d.Action = domain.ActionBlock
		d.BlockMode = domain.BlockEnforced
		d.Reasons = append(d.Reasons, banReason)
		notes = banNote(banReason)
	} else {
		o, err := s.tracker.Observe(ctx, tx.ExternalUserID, class.Tier, cfg.MaxAnomalies)
		if err != nil {
			return s.failClosed(ctx, span, d, "anomaly", domain.Unavailable("anomaly tracker", err))
		}
		obs = &o
		if o.Escalated {
			escalated := rules.Escalate(class, cfg)
			d.Action = escalated.Action
			d.BlockMode = escalated.BlockMode
			d.Escalated = true
			d.Reasons = append(d.Reasons, domain.ReasonAnomalyEscalation)
		}
	}

	rec := &domain.EvaluationRecord{
		Transaction: &tx,
		Prediction:  in.Prediction(d.DecidedAt),
		Decision:    d,
	}
	var built *domain.Alert
	if d.Action.Flagged() {
		built, rec.Audit = alerts.Build(d, notes, d.DecidedAt)
		rec.Alert = built
	}

	alert, err := s.repo.RecordEvaluation(ctx, rec)
	if err != nil {
		s.revert(ctx, obs)
		if errors.Is(err, domain.ErrAlreadyExists) {
			stored, gerr := s.repo.GetDecision(ctx, txID)
			if gerr != nil {
				return s.failClosed(ctx, span, d, "persist", domain.Unavailable("load decision", gerr))
			}
			metrics.IdempotentReplaysTotal.Inc()
			return stored, nil
		}
		d.AlertID = ""
		return s.failClosed(ctx, span, d, "persist", domain.Unavailable("record evaluation", err))
	}

	if alert != nil && built != nil && alert.ID == built.ID && s.alerts != nil {
		s.alerts.Created(ctx, alert)
	}
	if d.Escalated {
		metrics.AnomalyEscalationsTotal.Inc()
	}
	metrics.DecisionsTotal.WithLabelValues(string(d.Action), string(d.Tier)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("kestrel.action", string(d.Action)),
		attribute.String("kestrel.tier", string(d.Tier)),
		attribute.String("kestrel.adjusted_score", d.AdjustedScore),
	)
	slog.Info("transaction evaluated",
		"tx_id", txID,
		"user_id", tx.ExternalUserID,
		"action", d.Action,
		"tier", d.Tier,
		"block_mode", d.BlockMode,
		"adjusted_score", d.AdjustedScore,
		"reasons", d.Reasons,
		"alert_id", d.AlertID,
		"config_version", d.ConfigVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	s.remember(ctx, d)
	s.publish(ctx, d)
	return d, nil
}

// Get returns the stored decision for a transaction.
func (s *Service) Get(ctx context.Context, txID string) (*domain.Decision, error) {
	d, err := s.lookup(ctx, txID)
	if err != nil {
		return nil, domain.Unavailable("load decision", err)
	}
	if d == nil {
		return nil, domain.NotFound("decision", txID)
	}
	return d, nil
}

// Replay recomputes a stored decision from the stored transaction, prediction
// and the config version it was decided under. The anomaly counter is not
// consulted; the stored escalation and ban outcomes are carried over.
func (s *Service) Replay(ctx context.Context, txID string) (*domain.ReplayResult, error) {
	ctx, span := s.tracer.Start(ctx, "decision.Replay", trace.WithAttributes(attribute.String("kestrel.tx_id", txID)))
	defer span.End()

	stored, err := s.repo.GetDecision(ctx, txID)
	if err != nil {
		return nil, err
	}
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	raw := stored.RawScore
	if p, err := s.repo.GetPrediction(ctx, txID); err == nil {
		raw = p.Score
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	cfg, err := s.configs.Version(ctx, stored.ConfigVersion)
	if err != nil {
		return nil, err
	}

	adj, err := s.adjuster.Adjust(raw, tx, cfg)
	if err != nil {
		return nil, err
	}
	class := rules.Classify(adj.Score, cfg)

	re := &domain.Decision{
		TransactionID: txID,
		Action:        class.Action,
		Tier:          class.Tier,
		BlockMode:     class.BlockMode,
		AdjustedScore: adj.Score.String(),
		RawScore:      raw,
		Reasons:       adj.Reasons,
		ConfigVersion: cfg.Version,
		AlertID:       stored.AlertID,
		DecidedAt:     stored.DecidedAt,
	}
	switch {
	case slices.Contains(stored.Reasons, domain.ReasonBannedIP):
		re.Action, re.BlockMode = domain.ActionBlock, domain.BlockEnforced
		re.Reasons = append(re.Reasons, domain.ReasonBannedIP)
	case slices.Contains(stored.Reasons, domain.ReasonBannedUser):
		re.Action, re.BlockMode = domain.ActionBlock, domain.BlockEnforced
		re.Reasons = append(re.Reasons, domain.ReasonBannedUser)
	case stored.Escalated:
		escalated := rules.Escalate(class, cfg)
		re.Action, re.BlockMode = escalated.Action, escalated.BlockMode
		re.Escalated = true
		re.Reasons = append(re.Reasons, domain.ReasonAnomalyEscalation)
	}

	match := sameOutcome(stored, re)
	span.SetAttributes(attribute.Bool("kestrel.replay_match", match))
	if !match {
		slog.Warn("replay diverged from stored decision",
			"tx_id", txID,
			"stored_action", stored.Action,
			"replayed_action", re.Action,
			"stored_score", stored.AdjustedScore,
			"replayed_score", re.AdjustedScore,
		)
	}
	return &domain.ReplayResult{Stored: stored, Recomputed: re, Match: match}, nil
}

// pending starts a decision for in. cfg may be nil when no config is loaded.
func (s *Service) pending(in *domain.ScoredTransaction, cfg *domain.RuleConfig) *domain.Decision {
	d := &domain.Decision{
		TransactionID: in.Transaction.ID,
		RawScore:      in.RawScore,
		Reasons:       []string{},
		DecidedAt:     s.now(),
	}
	if cfg != nil {
		d.ConfigVersion = cfg.Version
	}
	return d
}

// failClosed degrades d to REVIEW unless it is already a BLOCK.
func (s *Service) failClosed(ctx context.Context, span trace.Span, d *domain.Decision, stage string, cause error) (*domain.Decision, error) {
	if d.Action != domain.ActionBlock {
		d.Action = domain.ActionReview
		d.BlockMode = domain.BlockNone
	}
	if d.Tier == "" {
		d.Tier = domain.TierMedium
	}
	d.Degraded = true

	metrics.EvaluationFailuresTotal.WithLabelValues(stage).Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, stage)
	slog.ErrorContext(ctx, "evaluation failed closed",
		"tx_id", d.TransactionID,
		"stage", stage,
		"action", d.Action,
		"error", cause,
	)
	return d, cause
}

func (s *Service) revert(ctx context.Context, obs *anomaly.Observation) {
	if obs == nil {
		return
	}
	restored, err := s.tracker.Revert(ctx, *obs)
	if err != nil {
		slog.Error("failed to revert anomaly observation",
			"user_id", obs.UserID,
			"error", err,
		)
		return
	}
	if !restored {
		slog.Warn("anomaly counter moved on, observation not reverted", "user_id", obs.UserID)
	}
}

func (s *Service) resolveCountry(tx *domain.Transaction) {
	if tx.IPCountry != "" || tx.IPAddress == "" || s.geo == nil {
		return
	}
	if cc, ok := s.geo.Country(tx.IPAddress); ok {
		tx.IPCountry = cc
	}
}

// lookup returns the stored decision, or nil if the transaction is new.
func (s *Service) lookup(ctx context.Context, txID string) (*domain.Decision, error) {
	if s.cache != nil {
		if d, err := cache.GetJSON[domain.Decision](ctx, s.cache, decisionCachePrefix+txID); err == nil && d != nil {
			return d, nil
		}
	}

	d, err := s.repo.GetDecision(ctx, txID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.remember(ctx, d)
	return d, nil
}

func (s *Service) remember(ctx context.Context, d *domain.Decision) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, decisionCachePrefix+d.TransactionID, d, s.decisionTTL); err != nil {
		slog.Debug("decision cache write failed", "tx_id", d.TransactionID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, d *domain.Decision) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err == nil {
		err = s.bus.Publish(ctx, domain.TopicDecision, payload)
	}
	if err != nil {
		metrics.NotifyFailuresTotal.WithLabelValues(domain.TopicDecision).Inc()
		slog.Warn("failed to publish decision", "tx_id", d.TransactionID, "error", err)
	}
}

func sameOutcome(a, b *domain.Decision) bool {
	return a.Action == b.Action &&
		a.Tier == b.Tier &&
		a.BlockMode == b.BlockMode &&
		a.AdjustedScore == b.AdjustedScore &&
		a.Escalated == b.Escalated &&
		slices.Equal(a.Reasons, b.Reasons)
}
