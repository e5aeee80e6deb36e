package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// quantityScale is the fixed number of fractional digits carried by every
// quantity in the ledger. Values are quantized on entry and never drift.
const quantityScale = 4

// LotType is a closed small-integer code classifying a lot. The set is
// versioned here rather than stored as open strings; adding a member means
// adding a constant and a label.
type LotType int16

const (
	// LotTypeFirstGrade marks the primary quality grade of a receipt line.
	LotTypeFirstGrade LotType = 1
	// LotTypeSecondGrade marks the secondary quality grade of a receipt line.
	LotTypeSecondGrade LotType = 2
	// LotTypeDerived marks lots produced by fractionation.
	LotTypeDerived LotType = 3
)

var lotTypeLabels = map[LotType]string{
	LotTypeFirstGrade:  "first_grade",
	LotTypeSecondGrade: "second_grade",
	LotTypeDerived:     "derived",
}

// Valid reports whether the code belongs to the closed set.
func (t LotType) Valid() bool {
	_, ok := lotTypeLabels[t]
	return ok
}

func (t LotType) String() string {
	if label, ok := lotTypeLabels[t]; ok {
		return label
	}
	return "unknown"
}

// MovementType enumerates ledger-affecting operations.
type MovementType string

const (
	MovementInbound    MovementType = "INBOUND"
	MovementTransfer   MovementType = "TRANSFER"
	MovementSale       MovementType = "SALE"
	MovementShrinkage  MovementType = "SHRINKAGE"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// Effect flags whether a movement line enters or exits stock. Quantities on
// lines are always stored unsigned; the effect carries the sign.
type Effect int16

const (
	EffectIn  Effect = 1
	EffectOut Effect = -1
)

// OrderingPolicy names the lot selection strategy used by consuming engines.
type OrderingPolicy string

const (
	// OrderFIFOSkipLocked selects lots oldest-origin-first but skips rows
	// locked by concurrent operations. FIFO is best-effort under contention:
	// each operation is FIFO over the lots it can actually see, and two
	// concurrent consumers fall through to disjoint lots instead of blocking.
	OrderFIFOSkipLocked OrderingPolicy = "fifo_skip_locked"
	// OrderFIFOStrict blocks on locked rows and preserves a total order.
	OrderFIFOStrict OrderingPolicy = "fifo_strict"
)

// ShortfallPolicy decides what happens when sale demand exceeds supply.
type ShortfallPolicy string

const (
	// ShortfallQueue records the unmet remainder as a PendingConsumption and
	// reports partial success.
	ShortfallQueue ShortfallPolicy = "queue"
	// ShortfallFail rejects the whole consumption when supply runs out.
	ShortfallFail ShortfallPolicy = "fail"
)

// Receipt is the immutable header of a supplier delivery.
type Receipt struct {
	ID          uuid.UUID
	ReceivedAt  time.Time
	SupplierRef string
	Note        string
	CreatedAt   time.Time
}

// ReceiptLine splits one product quantity into quality grades. The grade
// quantities must sum to the total; storage enforces the same rule with a
// check constraint.
type ReceiptLine struct {
	ID             uuid.UUID
	ReceiptID      uuid.UUID
	ProductID      uuid.UUID
	UnitLabel      string
	TotalQty       decimal.Decimal
	FirstGradeQty  decimal.Decimal
	SecondGradeQty decimal.Decimal
	BillingEntity  string
	CreatedAt      time.Time
}

// Lot is the atomic unit of inventory: one traceable batch of one product
// from one receipt line. Seq is a monotonically increasing insertion number
// used as the stable FIFO tie-break after OriginDate.
type Lot struct {
	ID            uuid.UUID
	ReceiptLineID uuid.UUID
	ProductID     uuid.UUID
	OriginDate    time.Time
	Type          LotType
	InitialQty    decimal.Decimal
	AvailableQty  decimal.Decimal
	Blocked       bool
	Seq           int64
	CreatedAt     time.Time
}

// LotAllocation is the portion of a lot held at one warehouse. One row per
// (lot, warehouse) pair, created on first allocation, never deleted.
type LotAllocation struct {
	ID           uuid.UUID
	LotID        uuid.UUID
	WarehouseID  uuid.UUID
	AssignedQty  decimal.Decimal
	AvailableQty decimal.Decimal
}

// Movement is the immutable header of one ledger-affecting operation.
// RefType/RefID form a free-form reference used for traceability, e.g.
// ("SALE", saleRef) or ("PENDING", pendingID).
type Movement struct {
	ID             uuid.UUID
	Type           MovementType
	SrcWarehouseID uuid.UUID // uuid.Nil when not applicable
	DstWarehouseID uuid.UUID // uuid.Nil when not applicable
	RefType        string
	RefID          string
	Note           string
	PostedAt       time.Time
}

// MovementLine records one lot-level quantity effect. LotID is uuid.Nil only
// for non-lot-tracked product categories.
type MovementLine struct {
	ID          uuid.UUID
	MovementID  uuid.UUID
	ProductID   uuid.UUID
	LotID       uuid.UUID
	WarehouseID uuid.UUID
	Qty         decimal.Decimal // unsigned; Effect carries the sign
	Effect      Effect
}

// SignedQty returns the quantity with the effect applied.
func (l MovementLine) SignedQty() decimal.Decimal {
	if l.Effect == EffectOut {
		return l.Qty.Neg()
	}
	return l.Qty
}

// StockAggregate is the denormalized running total per (product, warehouse).
// It always equals the sum of allocation availability for the pair because
// both are committed in the same transaction.
type StockAggregate struct {
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	Quantity    decimal.Decimal
	UpdatedAt   time.Time
}

// PendingConsumption is the unmet remainder of a sale, queued for replay
// once supply arrives.
type PendingConsumption struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Quantity  decimal.Decimal
	SaleRef   string
	UnitPrice decimal.Decimal
	CreatedAt time.Time
}

// SnapshotRow is one (product, warehouse) quantity in a day-start snapshot.
type SnapshotRow struct {
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	Quantity    decimal.Decimal
}

var (
	// ErrInsufficientStock is returned when a transfer or fractionation asks
	// for more than the eligible available quantity. Sale consumption maps
	// shortfall to a pending remainder instead (see ShortfallPolicy).
	ErrInsufficientStock = errors.New("ledger: insufficient available quantity")
	// ErrLotBlocked is returned when a manually blocked lot is addressed
	// directly.
	ErrLotBlocked = errors.New("ledger: lot is blocked")
	// ErrLotProductMismatch is returned when a fractionation names a source
	// product that the source lot does not hold.
	ErrLotProductMismatch = errors.New("ledger: source lot does not hold declared product")
)

func quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(quantityScale)
}
