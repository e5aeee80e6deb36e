package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// ReceiptLineInput describes one product line of a supplier receipt. The
// grade quantities must sum to TotalQty; a line carrying both grades yields
// two lots.
type ReceiptLineInput struct {
	ProductID      uuid.UUID
	UnitLabel      string
	TotalQty       decimal.Decimal
	FirstGradeQty  decimal.Decimal
	SecondGradeQty decimal.Decimal
	BillingEntity  string
}

// ReceiptInput describes a supplier receipt to register.
type ReceiptInput struct {
	ReceivedAt  time.Time
	SupplierRef string
	Note        string
	WarehouseID uuid.UUID
	Lines       []ReceiptLineInput
}

// ReceiptResult reports the receipt and the lots seeded from it.
type ReceiptResult struct {
	ReceiptID  uuid.UUID
	MovementID uuid.UUID
	Lots       []Lot
	Duplicate  bool
}

// RegisterReceipt turns a supplier receipt into lots: one lot per positive
// grade quantity per line, each allocated in full to the destination
// warehouse. Posts one INBOUND movement with a line per lot and bumps the
// aggregate once per new allocation.
func (s *Service) RegisterReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if input.WarehouseID == uuid.Nil {
		return ReceiptResult{}, shared.NewValidationError("warehouse_id", "destination warehouse required")
	}
	if len(input.Lines) == 0 {
		return ReceiptResult{}, shared.NewValidationError("lines", "at least one line required")
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = time.Now().UTC()
	}
	for i, line := range input.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if line.ProductID == uuid.Nil {
			return ReceiptResult{}, shared.NewValidationError(field+".product_id", "product required")
		}
		if err := requirePositive(field+".total_qty", line.TotalQty); err != nil {
			return ReceiptResult{}, err
		}
		if line.FirstGradeQty.IsNegative() || line.SecondGradeQty.IsNegative() {
			return ReceiptResult{}, shared.NewValidationError(field, "grade quantities must not be negative")
		}
		// Defense in depth: the receipt_lines check constraint enforces the
		// same rule at the storage layer.
		if !line.FirstGradeQty.Add(line.SecondGradeQty).Equal(line.TotalQty) {
			return ReceiptResult{}, shared.NewValidationError(field, "grade quantities must sum to line total")
		}
		if err := s.ensureProduct(ctx, line.ProductID); err != nil {
			return ReceiptResult{}, err
		}
	}

	var idemKey string
	if input.SupplierRef != "" && s.idempotency != nil {
		idemKey = "RECEIPT:" + input.SupplierRef
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return ReceiptResult{Duplicate: true}, nil
			}
			return ReceiptResult{}, err
		}
	}

	result := ReceiptResult{ReceiptID: uuid.New(), MovementID: uuid.New()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receipt := Receipt{
			ID:          result.ReceiptID,
			ReceivedAt:  input.ReceivedAt,
			SupplierRef: input.SupplierRef,
			Note:        input.Note,
		}
		if err := tx.InsertReceipt(ctx, &receipt); err != nil {
			return err
		}
		movement := Movement{
			ID:             result.MovementID,
			Type:           MovementInbound,
			DstWarehouseID: input.WarehouseID,
			RefType:        "RECEIPT",
			RefID:          result.ReceiptID.String(),
			Note:           input.Note,
			PostedAt:       time.Now().UTC(),
		}
		if err := tx.InsertMovement(ctx, &movement); err != nil {
			return err
		}
		deltas := newStockDeltas()
		var lines []MovementLine
		for _, in := range input.Lines {
			receiptLine := ReceiptLine{
				ID:             uuid.New(),
				ReceiptID:      receipt.ID,
				ProductID:      in.ProductID,
				UnitLabel:      in.UnitLabel,
				TotalQty:       quantize(in.TotalQty),
				FirstGradeQty:  quantize(in.FirstGradeQty),
				SecondGradeQty: quantize(in.SecondGradeQty),
				BillingEntity:  in.BillingEntity,
			}
			if err := tx.InsertReceiptLine(ctx, &receiptLine); err != nil {
				return err
			}
			grades := []struct {
				qty     decimal.Decimal
				lotType LotType
			}{
				{receiptLine.FirstGradeQty, LotTypeFirstGrade},
				{receiptLine.SecondGradeQty, LotTypeSecondGrade},
			}
			for _, grade := range grades {
				if grade.qty.Sign() <= 0 {
					continue
				}
				lot := Lot{
					ID:            uuid.New(),
					ReceiptLineID: receiptLine.ID,
					ProductID:     receiptLine.ProductID,
					OriginDate:    input.ReceivedAt,
					Type:          grade.lotType,
					InitialQty:    grade.qty,
					AvailableQty:  grade.qty,
				}
				if err := tx.InsertLot(ctx, &lot); err != nil {
					return err
				}
				if err := tx.UpsertAllocation(ctx, lot.ID, input.WarehouseID, grade.qty, grade.qty); err != nil {
					return err
				}
				deltas.add(lot.ProductID, input.WarehouseID, grade.qty)
				lines = append(lines, MovementLine{
					MovementID:  movement.ID,
					ProductID:   lot.ProductID,
					LotID:       lot.ID,
					WarehouseID: input.WarehouseID,
					Qty:         grade.qty,
					Effect:      EffectIn,
				})
				result.Lots = append(result.Lots, lot)
			}
		}
		if err := tx.InsertMovementLines(ctx, lines); err != nil {
			return err
		}
		return deltas.apply(ctx, tx)
	})
	if err != nil {
		if idemKey != "" {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return ReceiptResult{}, err
	}
	s.invalidateStock(ctx)
	s.recordAudit(ctx, "ledger:receipt", "receipt", result.ReceiptID.String(), map[string]any{
		"supplier_ref": input.SupplierRef,
		"warehouse_id": input.WarehouseID.String(),
		"lots":         len(result.Lots),
	})
	return result, nil
}
