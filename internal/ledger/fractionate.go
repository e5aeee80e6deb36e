package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// FractionateDestination is one derived product produced by a fractionation
// line. Quantity is used in explicit mode and ignored in factor mode.
type FractionateDestination struct {
	ProductID uuid.UUID
	Quantity  decimal.Decimal
}

// FractionateLineInput converts a quantity consumed from one source lot into
// derived lots in the same warehouse. Either Destinations carries explicit
// amounts, or Factor scales the consumed quantity into a single destination
// product; the two modes are exclusive.
type FractionateLineInput struct {
	SourceLotID     uuid.UUID
	SourceProductID uuid.UUID
	WarehouseID     uuid.UUID
	ConsumeQty      decimal.Decimal
	Destinations    []FractionateDestination
	FactorProductID uuid.UUID
	Factor          decimal.Decimal
}

// FractionateDetail reports one derived lot.
type FractionateDetail struct {
	SourceLotID uuid.UUID
	NewLotID    uuid.UUID
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	Qty         decimal.Decimal
}

// FractionateResult reports the movement and its derived lots.
type FractionateResult struct {
	MovementID uuid.UUID
	Detail     []FractionateDetail
}

// Fractionate consumes quantity from source lots and produces derived lots
// of different products in the same warehouse. Derived lots inherit the
// source lot's receipt line and origin date so FIFO ancestry and the audit
// trail survive the conversion. The whole batch commits or rolls back as
// one.
func (s *Service) Fractionate(ctx context.Context, lines []FractionateLineInput) (FractionateResult, error) {
	if len(lines) == 0 {
		return FractionateResult{}, shared.NewValidationError("lines", "at least one line required")
	}
	for i := range lines {
		if err := s.validateFractionateLine(ctx, i, &lines[i]); err != nil {
			return FractionateResult{}, err
		}
	}

	result := FractionateResult{MovementID: uuid.New()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movement := Movement{
			ID:       result.MovementID,
			Type:     MovementAdjustment,
			RefType:  "FRACTIONATION",
			RefID:    result.MovementID.String(),
			PostedAt: time.Now().UTC(),
		}
		if len(lines) == 1 {
			movement.SrcWarehouseID = lines[0].WarehouseID
			movement.DstWarehouseID = lines[0].WarehouseID
		}
		if err := tx.InsertMovement(ctx, &movement); err != nil {
			return err
		}
		deltas := newStockDeltas()
		var movementLines []MovementLine
		for _, line := range lines {
			consume := quantize(line.ConsumeQty)
			lot, err := tx.GetLotForUpdate(ctx, line.SourceLotID)
			if err != nil {
				return err
			}
			if lot.ProductID != line.SourceProductID {
				return ErrLotProductMismatch
			}
			if lot.Blocked {
				return ErrLotBlocked
			}
			if lot.AvailableQty.LessThan(consume) {
				return fmt.Errorf("%w: lot %s has %s, need %s", ErrInsufficientStock, lot.ID, lot.AvailableQty, consume)
			}
			alloc, err := tx.GetAllocationForUpdate(ctx, lot.ID, line.WarehouseID)
			if err != nil {
				return err
			}
			if alloc.AvailableQty.LessThan(consume) {
				return fmt.Errorf("%w: lot %s has %s at warehouse %s, need %s",
					ErrInsufficientStock, lot.ID, alloc.AvailableQty, line.WarehouseID, consume)
			}
			if err := tx.AddLotAvailable(ctx, lot.ID, consume.Neg()); err != nil {
				return err
			}
			if err := tx.UpsertAllocation(ctx, lot.ID, line.WarehouseID, decimal.Zero, consume.Neg()); err != nil {
				return err
			}
			deltas.add(lot.ProductID, line.WarehouseID, consume.Neg())
			movementLines = append(movementLines, MovementLine{
				MovementID:  movement.ID,
				ProductID:   lot.ProductID,
				LotID:       lot.ID,
				WarehouseID: line.WarehouseID,
				Qty:         consume,
				Effect:      EffectOut,
			})

			destinations := line.Destinations
			if len(destinations) == 0 {
				destinations = []FractionateDestination{{
					ProductID: line.FactorProductID,
					Quantity:  quantize(consume.Mul(line.Factor)),
				}}
			}
			for _, dest := range destinations {
				destQty := quantize(dest.Quantity)
				derived := Lot{
					ID:            uuid.New(),
					ReceiptLineID: lot.ReceiptLineID,
					ProductID:     dest.ProductID,
					OriginDate:    lot.OriginDate,
					Type:          LotTypeDerived,
					InitialQty:    destQty,
					AvailableQty:  destQty,
				}
				if err := tx.InsertLot(ctx, &derived); err != nil {
					return err
				}
				if err := tx.UpsertAllocation(ctx, derived.ID, line.WarehouseID, destQty, destQty); err != nil {
					return err
				}
				deltas.add(dest.ProductID, line.WarehouseID, destQty)
				movementLines = append(movementLines, MovementLine{
					MovementID:  movement.ID,
					ProductID:   dest.ProductID,
					LotID:       derived.ID,
					WarehouseID: line.WarehouseID,
					Qty:         destQty,
					Effect:      EffectIn,
				})
				result.Detail = append(result.Detail, FractionateDetail{
					SourceLotID: lot.ID,
					NewLotID:    derived.ID,
					ProductID:   dest.ProductID,
					WarehouseID: line.WarehouseID,
					Qty:         destQty,
				})
			}
		}
		if err := tx.InsertMovementLines(ctx, movementLines); err != nil {
			return err
		}
		return deltas.apply(ctx, tx)
	})
	if err != nil {
		return FractionateResult{}, err
	}
	s.invalidateStock(ctx)
	s.recordAudit(ctx, "ledger:fractionate", "movement", result.MovementID.String(), map[string]any{
		"lines": len(lines),
	})
	return result, nil
}

func (s *Service) validateFractionateLine(ctx context.Context, i int, line *FractionateLineInput) error {
	field := fmt.Sprintf("lines[%d]", i)
	if line.SourceLotID == uuid.Nil {
		return shared.NewValidationError(field+".source_lot_id", "source lot required")
	}
	if line.SourceProductID == uuid.Nil {
		return shared.NewValidationError(field+".source_product_id", "source product required")
	}
	if line.WarehouseID == uuid.Nil {
		return shared.NewValidationError(field+".warehouse_id", "warehouse required")
	}
	if err := requirePositive(field+".consume_qty", line.ConsumeQty); err != nil {
		return err
	}
	explicit := len(line.Destinations) > 0
	factor := line.FactorProductID != uuid.Nil || line.Factor.Sign() != 0
	if explicit == factor {
		return shared.NewValidationError(field, "exactly one of destinations or factor must be given")
	}
	if explicit {
		for j, dest := range line.Destinations {
			destField := fmt.Sprintf("%s.destinations[%d]", field, j)
			if dest.ProductID == uuid.Nil {
				return shared.NewValidationError(destField+".product_id", "product required")
			}
			if err := requirePositive(destField+".quantity", dest.Quantity); err != nil {
				return err
			}
			if err := s.ensureProduct(ctx, dest.ProductID); err != nil {
				return err
			}
		}
		return nil
	}
	if line.FactorProductID == uuid.Nil {
		return shared.NewValidationError(field+".factor_product_id", "destination product required")
	}
	if line.Factor.Sign() <= 0 {
		return shared.NewValidationError(field+".factor", "conversion factor must be positive")
	}
	return s.ensureProduct(ctx, line.FactorProductID)
}
