package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Deliverer pushes one event to the external system.
type Deliverer interface {
	Deliver(ctx context.Context, event Event) error
}

// DispatcherConfig tunes the claim/attempt/update cycle.
type DispatcherConfig struct {
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts parks an event as DEAD once exceeded; zero disables the
	// cap and retries forever.
	MaxAttempts int
	// Lease keeps claimed events invisible to other cycles while delivery
	// is in flight.
	Lease time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	return c
}

// Dispatcher delivers outbox events at least once, decoupled from the
// transactions that enqueue them. Each cycle claims a batch, attempts
// delivery and records the outcome per event; failures never propagate to
// ledger callers.
type Dispatcher struct {
	repo      RepositoryPort
	deliverer Deliverer
	logger    *slog.Logger
	cfg       DispatcherConfig
}

// NewDispatcher constructs Dispatcher.
func NewDispatcher(repo RepositoryPort, deliverer Deliverer, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{repo: repo, deliverer: deliverer, logger: logger, cfg: cfg.withDefaults()}
}

// RunOnce performs a single claim/attempt/update cycle and reports how many
// events were delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.repo.ClaimBatch(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if d.cfg.MaxAttempts > 0 && evt.Attempts > d.cfg.MaxAttempts {
			if err := d.repo.MarkDead(ctx, evt.ID, "max attempts exceeded"); err != nil {
				return sent, err
			}
			d.logger.Warn("outbox event dead-lettered",
				slog.String("event_id", evt.ID.String()),
				slog.String("event_type", evt.Type),
				slog.Int("attempts", evt.Attempts))
			continue
		}
		if err := d.deliverer.Deliver(ctx, evt); err != nil {
			next := time.Now().UTC().Add(d.Backoff(evt.Attempts))
			if merr := d.repo.MarkFailed(ctx, evt.ID, next, err.Error()); merr != nil {
				return sent, merr
			}
			d.logger.Warn("outbox delivery failed",
				slog.String("event_id", evt.ID.String()),
				slog.String("event_type", evt.Type),
				slog.Int("attempts", evt.Attempts),
				slog.Time("next_retry_at", next),
				slog.Any("error", err))
			continue
		}
		if err := d.repo.MarkSent(ctx, evt.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run polls on a fixed interval until context cancellation.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.Error("outbox dispatch cycle", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Backoff returns the retry delay after the given attempt count: the
// initial delay doubled per attempt, capped at the configured maximum.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	delay := d.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if delay > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return delay
}
