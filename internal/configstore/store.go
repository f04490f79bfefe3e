// Package configstore holds the active rule configuration.
//
// Readers get an immutable snapshot through one atomic load and never block.
// Writers are serialized, persist the new version first and only then publish it,
// so a failed write leaves the previous version current everywhere.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Persistence is the slice of the repository the store needs.
type Persistence interface {
	GetConfig(ctx context.Context) (*domain.RuleConfig, error)
	SaveConfig(ctx context.Context, cfg *domain.RuleConfig) error
	GetConfigVersion(ctx context.Context, version int64) (*domain.RuleConfig, error)
}

// Store is the process-wide rule configuration holder.
type Store struct {
	mu       sync.Mutex
	current  atomic.Pointer[domain.RuleConfig]
	repo     Persistence
	notifier domain.Notifier
	now      func() time.Time
}

// New creates an empty store. Call Load before serving traffic.
// notifier may be nil.
func New(repo Persistence, notifier domain.Notifier) *Store {
	return &Store{
		repo:     repo,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the active snapshot, or nil if nothing was loaded yet.
// The returned value must not be modified.
func (s *Store) Get() *domain.RuleConfig {
	return s.current.Load()
}

// Load fetches the latest persisted version. On an empty database the
// defaults are persisted as version 1.
func (s *Store) Load(ctx context.Context) (*domain.RuleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.repo.GetConfig(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return s.seedLocked(ctx)
	}
	if err != nil {
		return nil, domain.Unavailable("load config", err)
	}

	if err := s.publishLocked(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the persisted config, used when a peer announced a new version.
// Older or equal versions are ignored.
func (s *Store) Reload(ctx context.Context) (*domain.RuleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.repo.GetConfig(ctx)
	if err != nil {
		return nil, domain.Unavailable("reload config", err)
	}

	if cur := s.current.Load(); cur != nil && cfg.Version <= cur.Version {
		return cur, nil
	}
	if err := s.publishLocked(cfg); err != nil {
		return nil, err
	}

	slog.Info("rule config reloaded",
		"version", cfg.Version,
		"updated_by", cfg.UpdatedBy,
	)
	return cfg, nil
}

// Set merges patch into the active config, validates, persists and publishes
// the result as a new version.
func (s *Store) Set(ctx context.Context, patch *domain.RuleConfigPatch, actor string) (*domain.RuleConfig, error) {
	if patch == nil || patch.Empty() {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "config", Message: "no recognized keys in update"}}}
	}

	s.mu.Lock()
	cur := s.current.Load()
	if cur == nil {
		s.mu.Unlock()
		return nil, domain.Unavailable("set config", errors.New("config not loaded"))
	}

	next := cur.Apply(patch)
	next.Normalize()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	next.UpdatedBy = actor

	if err := s.repo.SaveConfig(ctx, next); err != nil {
		s.mu.Unlock()
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: config version %d was written by another node", domain.ErrConflict, next.Version)
		}
		return nil, domain.Unavailable("save config", err)
	}

	s.current.Store(next)
	metrics.RuleConfigVersion.Set(float64(next.Version))
	s.mu.Unlock()

	slog.Info("rule config updated",
		"version", next.Version,
		"updated_by", actor,
	)

	if s.notifier != nil {
		if err := s.notifier.ConfigUpdated(ctx, next); err != nil {
			metrics.NotifyFailuresTotal.WithLabelValues(domain.TopicConfigUpdated).Inc()
			slog.Warn("failed to publish config update",
				"version", next.Version,
				"error", err,
			)
		}
	}
	return next, nil
}

// Version returns a historical snapshot, used to replay past decisions.
func (s *Store) Version(ctx context.Context, version int64) (*domain.RuleConfig, error) {
	if cur := s.current.Load(); cur != nil && cur.Version == version {
		return cur, nil
	}
	cfg, err := s.repo.GetConfigVersion(ctx, version)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.Unavailable("load config version", err)
	}
	return cfg, nil
}

func (s *Store) seedLocked(ctx context.Context) (*domain.RuleConfig, error) {
	cfg := domain.DefaultRuleConfig()
	cfg.Normalize()
	cfg.Version = 1
	cfg.UpdatedAt = s.now()
	cfg.UpdatedBy = domain.SystemActor

	if err := s.repo.SaveConfig(ctx, cfg); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, domain.Unavailable("seed config", err)
	} else if err != nil {
		// A peer seeded first; use what it wrote.
		stored, gerr := s.repo.GetConfig(ctx)
		if gerr != nil {
			return nil, domain.Unavailable("load config", gerr)
		}
		cfg = stored
	}

	if err := s.publishLocked(cfg); err != nil {
		return nil, err
	}
	slog.Info("rule config seeded with defaults", "version", cfg.Version)
	return cfg, nil
}

// publishLocked validates a persisted config before making it current.
func (s *Store) publishLocked(cfg *domain.RuleConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		slog.Error("persisted rule config rejected",
			"version", cfg.Version,
			"error", err,
		)
		return err
	}
	s.current.Store(cfg)
	metrics.RuleConfigVersion.Set(float64(cfg.Version))
	return nil
}
