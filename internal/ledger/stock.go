package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// GetStock returns the aggregate quantity for a product, scoped to one
// warehouse or summed across all of them when warehouseID is uuid.Nil.
// Reads go through the stock cache when one is configured.
func (s *Service) GetStock(ctx context.Context, productID, warehouseID uuid.UUID) (decimal.Decimal, error) {
	if productID == uuid.Nil {
		return decimal.Zero, shared.NewValidationError("product_id", "product required")
	}
	if s.cache == nil {
		return s.repo.GetStock(ctx, productID, warehouseID)
	}
	return s.cache.Fetch(ctx, productID, warehouseID, func(ctx context.Context) (decimal.Decimal, error) {
		return s.repo.GetStock(ctx, productID, warehouseID)
	})
}

// GetInitialStockSnapshot reconstructs day-start quantities per product and
// warehouse. Read-only, used by the daily snapshot collaborator.
func (s *Service) GetInitialStockSnapshot(ctx context.Context, day time.Time) ([]SnapshotRow, error) {
	if day.IsZero() {
		return nil, shared.NewValidationError("day", "day required")
	}
	return s.repo.InitialStockSnapshot(ctx, day)
}

// GetLot loads one lot.
func (s *Service) GetLot(ctx context.Context, lotID uuid.UUID) (Lot, error) {
	if lotID == uuid.Nil {
		return Lot{}, shared.NewValidationError("lot_id", "lot required")
	}
	return s.repo.GetLot(ctx, lotID)
}

// ListPendingConsumptions returns queued shortfalls oldest first.
func (s *Service) ListPendingConsumptions(ctx context.Context, productID uuid.UUID, limit int) ([]PendingConsumption, error) {
	return s.repo.ListPending(ctx, productID, limit)
}

// SetLotBlocked toggles the manual block flag. Blocked lots are excluded
// from consumption, transfer and fractionation eligibility even when their
// available quantity is positive.
func (s *Service) SetLotBlocked(ctx context.Context, lotID uuid.UUID, blocked bool) error {
	if lotID == uuid.Nil {
		return shared.NewValidationError("lot_id", "lot required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetLotBlocked(ctx, lotID, blocked)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "ledger:block", "lot", lotID.String(), map[string]any{"blocked": blocked})
	return nil
}
