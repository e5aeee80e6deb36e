package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// ConsumeInput describes a sale-driven consumption request. WarehouseID is
// optional; uuid.Nil consumes across all warehouses.
type ConsumeInput struct {
	ProductID   uuid.UUID
	Quantity    decimal.Decimal
	WarehouseID uuid.UUID
	SaleRef     string
	UnitPrice   decimal.Decimal
}

// ConsumeDetail reports one lot decrement.
type ConsumeDetail struct {
	LotID       uuid.UUID
	WarehouseID uuid.UUID
	Qty         decimal.Decimal
}

// ConsumeResult reports how much of the request was applied and how much
// was queued as a pending consumption.
type ConsumeResult struct {
	MovementID uuid.UUID
	Applied    decimal.Decimal
	Pending    decimal.Decimal
	Duplicate  bool
	Detail     []ConsumeDetail
}

// ConsumeForSale decrements availability across eligible lots oldest-first
// until the request is satisfied or supply runs out. Shortfall handling
// follows the configured ShortfallPolicy: queue the remainder as a
// PendingConsumption (partial success) or fail the whole operation. A
// repeated SaleRef short-circuits before any lot is touched.
func (s *Service) ConsumeForSale(ctx context.Context, input ConsumeInput) (ConsumeResult, error) {
	if input.ProductID == uuid.Nil {
		return ConsumeResult{}, shared.NewValidationError("product_id", "product required")
	}
	if err := requirePositive("quantity", input.Quantity); err != nil {
		return ConsumeResult{}, err
	}
	requested := quantize(input.Quantity)

	var idemKey string
	if input.SaleRef != "" && s.idempotency != nil {
		idemKey = "SALE:" + input.SaleRef
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return ConsumeResult{Duplicate: true}, nil
			}
			return ConsumeResult{}, err
		}
	}

	var result ConsumeResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deltas := newStockDeltas()
		applied, lines, err := s.consumeLots(ctx, tx, input.ProductID, input.WarehouseID, requested, deltas)
		if err != nil {
			return err
		}
		pending := requested.Sub(applied)
		if pending.Sign() > 0 && s.shortfall == ShortfallFail {
			return ErrInsufficientStock
		}
		if len(lines) > 0 {
			movement := Movement{
				ID:             uuid.New(),
				Type:           MovementSale,
				SrcWarehouseID: input.WarehouseID,
				RefType:        "SALE",
				RefID:          input.SaleRef,
				PostedAt:       time.Now().UTC(),
			}
			if err := tx.InsertMovement(ctx, &movement); err != nil {
				return err
			}
			for i := range lines {
				lines[i].MovementID = movement.ID
			}
			if err := tx.InsertMovementLines(ctx, lines); err != nil {
				return err
			}
			result.MovementID = movement.ID
		}
		if pending.Sign() > 0 {
			pc := PendingConsumption{
				ID:        uuid.New(),
				ProductID: input.ProductID,
				Quantity:  pending,
				SaleRef:   input.SaleRef,
				UnitPrice: input.UnitPrice,
			}
			if err := tx.InsertPendingConsumption(ctx, &pc); err != nil {
				return err
			}
		}
		if err := deltas.apply(ctx, tx); err != nil {
			return err
		}
		result.Applied = applied
		result.Pending = pending
		for _, line := range lines {
			result.Detail = append(result.Detail, ConsumeDetail{LotID: line.LotID, WarehouseID: line.WarehouseID, Qty: line.Qty})
		}
		return nil
	})
	if err != nil {
		if idemKey != "" {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return ConsumeResult{}, err
	}
	s.invalidateStock(ctx)
	s.recordAudit(ctx, "ledger:consume", "sale", input.SaleRef, map[string]any{
		"product_id": input.ProductID.String(),
		"applied":    result.Applied.String(),
		"pending":    result.Pending.String(),
	})
	return result, nil
}

// ReplayResult reports one replayed pending consumption.
type ReplayResult struct {
	PendingID uuid.UUID
	Applied   decimal.Decimal
	Remaining decimal.Decimal
}

// ReplayPendingConsumptions retries queued shortfalls oldest-first against
// current supply. Fully satisfied rows are deleted, partially satisfied rows
// shrink, untouched rows stay queued. Rows claimed by a concurrent replay
// are skipped.
func (s *Service) ReplayPendingConsumptions(ctx context.Context, limit int) ([]ReplayResult, error) {
	var results []ReplayResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pendings, err := tx.SelectPendingForUpdate(ctx, limit)
		if err != nil {
			return err
		}
		for _, pending := range pendings {
			deltas := newStockDeltas()
			applied, lines, err := s.consumeLots(ctx, tx, pending.ProductID, uuid.Nil, pending.Quantity, deltas)
			if err != nil {
				return err
			}
			if applied.Sign() <= 0 {
				continue
			}
			movement := Movement{
				ID:       uuid.New(),
				Type:     MovementSale,
				RefType:  "PENDING",
				RefID:    pending.ID.String(),
				Note:     "pending consumption replay",
				PostedAt: time.Now().UTC(),
			}
			if err := tx.InsertMovement(ctx, &movement); err != nil {
				return err
			}
			for i := range lines {
				lines[i].MovementID = movement.ID
			}
			if err := tx.InsertMovementLines(ctx, lines); err != nil {
				return err
			}
			if err := deltas.apply(ctx, tx); err != nil {
				return err
			}
			remaining := pending.Quantity.Sub(applied)
			if err := tx.ResolvePendingConsumption(ctx, pending.ID, remaining); err != nil {
				return err
			}
			results = append(results, ReplayResult{PendingID: pending.ID, Applied: applied, Remaining: remaining})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		s.invalidateStock(ctx)
	}
	return results, nil
}
