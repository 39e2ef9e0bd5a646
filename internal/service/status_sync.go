package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/metrics"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// EffectConfig tunes side-effect delivery.
type EffectConfig struct {
	// RetryAttempts bounds the inline retries of one delivery.
	RetryAttempts int
	RetryInitial  time.Duration
	// MaxAttempts bounds deliveries before an effect is marked failed.
	MaxAttempts int
	// RetryDelay spaces reconciler deliveries. It also delays the first
	// reconciler pickup so inline dispatch gets to run first.
	RetryDelay time.Duration
	Batch      int
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// EffectDispatcher delivers outbox side effects: inline right after the
// commit that created them, then from the reconciler until they succeed
// or run out of attempts.
type EffectDispatcher struct {
	store   repository.EffectStore
	syncer  StatusSyncer
	cfg     EffectConfig
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logger.Logger
}

// NewEffectDispatcher creates a new EffectDispatcher.
func NewEffectDispatcher(store repository.EffectStore, syncer StatusSyncer, cfg EffectConfig, m *metrics.Metrics, log *logger.Logger) *EffectDispatcher {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EffectDispatcher{
		store:   store,
		syncer:  syncer,
		cfg:     cfg,
		metrics: m,
		now:     cfg.Now,
		log:     log,
	}
}

// InlineGrace is how long a fresh effect is left to inline dispatch before
// the reconciler may pick it up.
func (d *EffectDispatcher) InlineGrace() time.Duration {
	return d.cfg.RetryDelay
}

// Dispatch attempts effects committed by one transition. Failures are
// logged and left to the reconciler; the committed transition stands.
func (d *EffectDispatcher) Dispatch(ctx context.Context, effects []*repository.PendingEffect) {
	for _, eff := range effects {
		d.deliver(ctx, eff)
	}
}

// Reconcile retries effects whose next attempt is due. It returns how
// many were attempted.
func (d *EffectDispatcher) Reconcile(ctx context.Context) (int, error) {
	due, err := d.store.ListDueEffects(ctx, d.now(), d.cfg.Batch)
	if err != nil {
		return 0, err
	}
	d.metrics.SetPendingEffects(len(due))
	for _, eff := range due {
		d.deliver(ctx, eff)
	}
	return len(due), nil
}

// Tick adapts Reconcile to a TickWorker.
func (d *EffectDispatcher) Tick(ctx context.Context) {
	n, err := d.Reconcile(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Side-effect reconciliation failed")
		return
	}
	if n > 0 {
		d.log.Info().Int("attempted", n).Msg("Side-effect reconciliation completed")
	}
}

// ListFailed returns effects that exhausted their attempts.
func (d *EffectDispatcher) ListFailed(ctx context.Context, limit int) ([]*repository.PendingEffect, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.store.ListFailedEffects(ctx, limit)
}

func (d *EffectDispatcher) deliver(ctx context.Context, eff *repository.PendingEffect) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.RetryAttempts-1)), ctx)

	err := backoff.Retry(func() error { return d.apply(ctx, eff) }, policy)
	if err == nil {
		if err := d.store.MarkEffectDone(ctx, eff.ID); err != nil {
			d.log.Error().Err(err).Str("effect_id", eff.ID).Msg("Failed to mark side effect done")
		}
		return
	}

	d.metrics.SideEffectFailed(eff.Kind)
	attempts := eff.Attempts + 1
	next := d.now().Add(d.cfg.RetryDelay * time.Duration(attempts))
	msg := "Side effect failed; queued for reconciliation"
	if attempts >= d.cfg.MaxAttempts {
		next = time.Time{}
		msg = "Side effect abandoned after exhausting attempts"
	}

	d.log.Alert().Err(err).
		Str("effect_id", eff.ID).
		Str("request_id", eff.RequestID).
		Str("kind", eff.Kind).
		Str("entity_type", eff.Payload.EntityType).
		Str("entity_id", eff.Payload.EntityID).
		Int("attempts", attempts).
		Msg(msg)

	if err := d.store.MarkEffectAttempt(ctx, eff.ID, attempts, err.Error(), next); err != nil {
		d.log.Error().Err(err).Str("effect_id", eff.ID).Msg("Failed to record side-effect attempt")
	}
}

func (d *EffectDispatcher) apply(ctx context.Context, eff *repository.PendingEffect) error {
	switch eff.Kind {
	case repository.EffectKindStatusSync:
		return d.syncer.SyncStatus(ctx, eff.Payload)
	default:
		return backoff.Permanent(fmt.Errorf("unknown side effect kind %q", eff.Kind))
	}
}

// StatusRouter sends each update to the syncer registered for its entity
// type, or to the fallback.
type StatusRouter struct {
	routes   map[string]StatusSyncer
	fallback StatusSyncer
}

func NewStatusRouter(fallback StatusSyncer) *StatusRouter {
	return &StatusRouter{routes: make(map[string]StatusSyncer), fallback: fallback}
}

// Route registers syncer for entityType.
func (r *StatusRouter) Route(entityType string, syncer StatusSyncer) {
	r.routes[entityType] = syncer
}

func (r *StatusRouter) SyncStatus(ctx context.Context, update repository.StatusUpdate) error {
	if s, ok := r.routes[update.EntityType]; ok {
		return s.SyncStatus(ctx, update)
	}
	if r.fallback == nil {
		return fmt.Errorf("no status syncer for entity type %q", update.EntityType)
	}
	return r.fallback.SyncStatus(ctx, update)
}
