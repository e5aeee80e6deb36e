package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/outbox"
	"github.com/lotledger/lotledger/internal/shared"
)

const (
	pendingReplayBatch  = 100
	idempotencyRetainer = 30 * 24 * time.Hour
)

// LedgerHandlers bundles the asynq handlers backed by the ledger runtime.
type LedgerHandlers struct {
	Logger      *slog.Logger
	Dispatcher  *outbox.Dispatcher
	Ledger      *ledger.Service
	Idempotency *shared.IdempotencyStore
}

// HandleOutboxDispatch drains one batch of due outbox events.
func (h LedgerHandlers) HandleOutboxDispatch(ctx context.Context, t *asynq.Task) error {
	processed, err := h.Dispatcher.RunOnce(ctx)
	if err != nil {
		h.Logger.Error("outbox dispatch", slog.Any("error", err))
		return err
	}
	if processed > 0 {
		h.Logger.Info("outbox dispatch", slog.Int("processed", processed))
	}
	return nil
}

// HandlePendingReplay reattempts queued consumptions against current stock.
func (h LedgerHandlers) HandlePendingReplay(ctx context.Context, t *asynq.Task) error {
	results, err := h.Ledger.ReplayPendingConsumptions(ctx, pendingReplayBatch)
	if err != nil {
		h.Logger.Error("pending replay", slog.Any("error", err))
		return err
	}
	for _, result := range results {
		h.Logger.Info("pending replay",
			slog.String("pending_id", result.PendingID.String()),
			slog.String("applied", result.Applied.String()),
			slog.String("remaining", result.Remaining.String()))
	}
	return nil
}

// HandleIdempotencyCleanup prunes idempotency keys past the retention window.
func (h LedgerHandlers) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	if err := h.Idempotency.Cleanup(ctx, idempotencyRetainer); err != nil {
		h.Logger.Error("idempotency cleanup", slog.Any("error", err))
		return err
	}
	return nil
}

// Handlers returns the task registrations for the worker mux.
func (h LedgerHandlers) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskOutboxDispatch, Handler: h.HandleOutboxDispatch},
		{Type: TaskPendingReplay, Handler: h.HandlePendingReplay},
		{Type: TaskIdempotencyCleanup, Handler: h.HandleIdempotencyCleanup},
	}
}
