// Package worker consumes scored transactions and config announcements from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator decides scored transactions.
type Evaluator interface {
	Evaluate(ctx context.Context, in *domain.ScoredTransaction) (*domain.Decision, error)
}

// Reloader refreshes the active rule config from persistence.
type Reloader interface {
	Reload(ctx context.Context) (*domain.RuleConfig, error)
}

// Worker evaluates transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator
	reloader  Reloader

	jobs          chan *domain.Message
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	// intake guards jobs against sends after Stop closed it.
	intake sync.RWMutex
	closed bool
}

var errStopped = errors.New("worker stopped")

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent evaluations.
	WorkerCount int

	// QueueSize bounds the messages waiting for a free worker.
	QueueSize int
}

// NewWorker creates a new async worker. reloader may be nil.
func NewWorker(bus domain.EventBus, evaluator Evaluator, reloader Reloader) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		reloader:  reloader,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to scored transactions and, if a reloader is set, to config updates.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 64
	}
	w.jobs = make(chan *domain.Message, cfg.QueueSize)

	for range cfg.WorkerCount {
		w.wg.Add(1)
		go w.run()
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionScored, w.enqueue)
	if err != nil {
		_ = w.Stop()
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	if w.reloader != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicConfigUpdated, w.handleConfigUpdate)
		if err != nil {
			_ = w.Stop()
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"worker_count", cfg.WorkerCount,
		"topic", domain.TopicTransactionScored,
	)
	return nil
}

// enqueue hands a message to the pool, waiting while the queue is full.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	w.intake.RLock()
	defer w.intake.RUnlock()
	if w.closed {
		return errStopped
	}
	select {
	case w.jobs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains jobs until Stop closes it. Evaluations are never cut short
// by shutdown.
func (w *Worker) run() {
	defer w.wg.Done()
	ctx := context.WithoutCancel(w.ctx)
	for msg := range w.jobs {
		_ = w.processTransaction(ctx, msg)
	}
}

// processTransaction evaluates one scored transaction.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in domain.ScoredTransaction
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		slog.Error("failed to parse scored transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	d, err := w.evaluator.Evaluate(ctx, &in)
	switch {
	case errors.Is(err, domain.ErrValidation):
		slog.Warn("scored transaction rejected",
			"message_id", msg.ID,
			"tx_id", in.Transaction.ID,
			"error", err,
		)
		return err
	case err != nil:
		// The degraded decision was not persisted; announce it so downstream
		// holds the payment for review while the producer retries.
		if d != nil {
			w.publishDecision(ctx, d)
		}
		return err
	}

	slog.Debug("scored transaction processed",
		"message_id", msg.ID,
		"tx_id", d.TransactionID,
		"action", d.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publishDecision(ctx context.Context, d *domain.Decision) {
	payload, err := json.Marshal(d)
	if err == nil {
		err = w.bus.Publish(ctx, domain.TopicDecision, payload)
	}
	if err != nil {
		slog.Error("failed to publish degraded decision",
			"tx_id", d.TransactionID,
			"error", err,
		)
	}
}

// handleConfigUpdate reloads the config a peer announced.
func (w *Worker) handleConfigUpdate(ctx context.Context, msg *domain.Message) error {
	var ev domain.ConfigEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse config event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	cfg, err := w.reloader.Reload(ctx)
	if err != nil {
		slog.Error("config reload failed",
			"announced_version", ev.Version,
			"error", err,
		)
		return err
	}
	slog.Debug("config event handled",
		"announced_version", ev.Version,
		"active_version", cfg.Version,
	)
	return nil
}

// Stop unsubscribes, finishes every queued evaluation, then releases the
// worker context.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.intake.Lock()
	if !w.closed && w.jobs != nil {
		close(w.jobs)
	}
	w.closed = true
	w.intake.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Queued            int      `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Queued:            len(w.jobs),
	}
}
