package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// TransferLineInput moves a product quantity between two warehouses.
type TransferLineInput struct {
	ProductID      uuid.UUID
	Quantity       decimal.Decimal
	SrcWarehouseID uuid.UUID
	DstWarehouseID uuid.UUID
}

// TransferDetail reports one lot reallocation.
type TransferDetail struct {
	LotID          uuid.UUID
	ProductID      uuid.UUID
	SrcWarehouseID uuid.UUID
	DstWarehouseID uuid.UUID
	Qty            decimal.Decimal
}

// TransferResult reports the movement and its lot-level detail.
type TransferResult struct {
	MovementID uuid.UUID
	Detail     []TransferDetail
}

// Transfer moves quantities between warehouses FIFO over the source
// warehouse's lots. A transferred unit keeps its lot identity: the lot's
// global availability is untouched, only its allocation rows change. The
// whole batch fails if any line exceeds the source warehouse's supply.
func (s *Service) Transfer(ctx context.Context, lines []TransferLineInput) (TransferResult, error) {
	if len(lines) == 0 {
		return TransferResult{}, shared.NewValidationError("lines", "at least one line required")
	}
	for i, line := range lines {
		field := fmt.Sprintf("lines[%d]", i)
		if line.ProductID == uuid.Nil {
			return TransferResult{}, shared.NewValidationError(field+".product_id", "product required")
		}
		if line.SrcWarehouseID == uuid.Nil || line.DstWarehouseID == uuid.Nil {
			return TransferResult{}, shared.NewValidationError(field, "source and destination warehouse required")
		}
		if line.SrcWarehouseID == line.DstWarehouseID {
			return TransferResult{}, shared.NewValidationError(field, "source and destination warehouse must differ")
		}
		if err := requirePositive(field+".quantity", line.Quantity); err != nil {
			return TransferResult{}, err
		}
	}

	result := TransferResult{MovementID: uuid.New()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movement := Movement{
			ID:       result.MovementID,
			Type:     MovementTransfer,
			RefType:  "TRANSFER_BATCH",
			RefID:    result.MovementID.String(),
			PostedAt: time.Now().UTC(),
		}
		if len(lines) == 1 {
			movement.SrcWarehouseID = lines[0].SrcWarehouseID
			movement.DstWarehouseID = lines[0].DstWarehouseID
		}
		if err := tx.InsertMovement(ctx, &movement); err != nil {
			return err
		}
		deltas := newStockDeltas()
		var movementLines []MovementLine
		for _, line := range lines {
			requested := quantize(line.Quantity)
			picks, err := tx.SelectLotsFIFO(ctx, line.ProductID, line.SrcWarehouseID, s.ordering)
			if err != nil {
				return err
			}
			remaining := requested
			for _, pick := range picks {
				if remaining.Sign() <= 0 {
					break
				}
				take := decimal.Min(remaining, pick.WarehouseAvailable)
				if take.Sign() <= 0 {
					continue
				}
				// Reallocate: assignment and availability both move, the
				// lot's global available_qty stays put.
				if err := tx.UpsertAllocation(ctx, pick.LotID, line.SrcWarehouseID, take.Neg(), take.Neg()); err != nil {
					return err
				}
				if err := tx.UpsertAllocation(ctx, pick.LotID, line.DstWarehouseID, take, take); err != nil {
					return err
				}
				movementLines = append(movementLines,
					MovementLine{
						MovementID:  movement.ID,
						ProductID:   line.ProductID,
						LotID:       pick.LotID,
						WarehouseID: line.SrcWarehouseID,
						Qty:         take,
						Effect:      EffectOut,
					},
					MovementLine{
						MovementID:  movement.ID,
						ProductID:   line.ProductID,
						LotID:       pick.LotID,
						WarehouseID: line.DstWarehouseID,
						Qty:         take,
						Effect:      EffectIn,
					},
				)
				deltas.add(line.ProductID, line.SrcWarehouseID, take.Neg())
				deltas.add(line.ProductID, line.DstWarehouseID, take)
				result.Detail = append(result.Detail, TransferDetail{
					LotID:          pick.LotID,
					ProductID:      line.ProductID,
					SrcWarehouseID: line.SrcWarehouseID,
					DstWarehouseID: line.DstWarehouseID,
					Qty:            take,
				})
				remaining = remaining.Sub(take)
			}
			if remaining.Sign() > 0 {
				return fmt.Errorf("%w: product %s short %s at warehouse %s",
					ErrInsufficientStock, line.ProductID, remaining, line.SrcWarehouseID)
			}
		}
		if err := tx.InsertMovementLines(ctx, movementLines); err != nil {
			return err
		}
		return deltas.apply(ctx, tx)
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.invalidateStock(ctx)
	s.recordAudit(ctx, "ledger:transfer", "movement", result.MovementID.String(), map[string]any{
		"lines": len(lines),
	})
	return result, nil
}
