package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

// ErrAllocationNotFound indicates the lot has never been allocated to the
// requested warehouse.
var ErrAllocationNotFound = errors.New("ledger: lot allocation not found")

// LotPick is one FIFO candidate: a lot joined with its allocation at one
// warehouse, both locked for the duration of the transaction.
type LotPick struct {
	LotID              uuid.UUID
	WarehouseID        uuid.UUID
	LotAvailable       decimal.Decimal
	WarehouseAvailable decimal.Decimal
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStock(ctx context.Context, productID, warehouseID uuid.UUID) (decimal.Decimal, error)
	GetLot(ctx context.Context, lotID uuid.UUID) (Lot, error)
	InitialStockSnapshot(ctx context.Context, day time.Time) ([]SnapshotRow, error)
	ListPending(ctx context.Context, productID uuid.UUID, limit int) ([]PendingConsumption, error)
}

// TxRepository exposes the transactional operations used by the engines.
// Every mutation of lot or allocation availability must be paired with an
// ApplyStockDelta call in the same transaction; ApplyStockDelta is the only
// way the aggregate moves.
type TxRepository interface {
	InsertReceipt(ctx context.Context, receipt *Receipt) error
	InsertReceiptLine(ctx context.Context, line *ReceiptLine) error
	InsertLot(ctx context.Context, lot *Lot) error
	GetLotForUpdate(ctx context.Context, lotID uuid.UUID) (Lot, error)
	AddLotAvailable(ctx context.Context, lotID uuid.UUID, delta decimal.Decimal) error
	SetLotBlocked(ctx context.Context, lotID uuid.UUID, blocked bool) error
	SelectLotsFIFO(ctx context.Context, productID, warehouseID uuid.UUID, policy OrderingPolicy) ([]LotPick, error)
	GetAllocationForUpdate(ctx context.Context, lotID, warehouseID uuid.UUID) (LotAllocation, error)
	UpsertAllocation(ctx context.Context, lotID, warehouseID uuid.UUID, assignedDelta, availableDelta decimal.Decimal) error
	InsertMovement(ctx context.Context, movement *Movement) error
	InsertMovementLines(ctx context.Context, lines []MovementLine) error
	ApplyStockDelta(ctx context.Context, productID, warehouseID uuid.UUID, delta decimal.Decimal) error
	InsertPendingConsumption(ctx context.Context, pending *PendingConsumption) error
	SelectPendingForUpdate(ctx context.Context, limit int) ([]PendingConsumption, error)
	ResolvePendingConsumption(ctx context.Context, id uuid.UUID, remaining decimal.Decimal) error
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetStock reads the aggregate for a product, summed across warehouses when
// warehouseID is uuid.Nil.
func (r *Repository) GetStock(ctx context.Context, productID, warehouseID uuid.UUID) (decimal.Decimal, error) {
	var qty decimal.Decimal
	var err error
	if warehouseID == uuid.Nil {
		err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_aggregates WHERE product_id=$1`, productID).Scan(&qty)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_aggregates WHERE product_id=$1 AND warehouse_id=$2`, productID, warehouseID).Scan(&qty)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// GetLot loads a lot by id.
func (r *Repository) GetLot(ctx context.Context, lotID uuid.UUID) (Lot, error) {
	var lot Lot
	err := r.pool.QueryRow(ctx, `SELECT id, receipt_line_id, product_id, origin_date, lot_type, initial_qty, available_qty, blocked, seq, created_at
FROM lots WHERE id=$1`, lotID).
		Scan(&lot.ID, &lot.ReceiptLineID, &lot.ProductID, &lot.OriginDate, &lot.Type, &lot.InitialQty, &lot.AvailableQty, &lot.Blocked, &lot.Seq, &lot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, shared.ErrNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

// InitialStockSnapshot reconstructs per-product per-warehouse quantities at
// the start of the given day: current aggregates minus every movement effect
// posted since then. Read-only; the hot path never recomputes aggregates.
func (r *Repository) InitialStockSnapshot(ctx context.Context, day time.Time) ([]SnapshotRow, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	rows, err := r.pool.Query(ctx, `SELECT sa.product_id, sa.warehouse_id, sa.quantity - COALESCE(m.delta, 0)
FROM stock_aggregates sa
LEFT JOIN (
	SELECT ml.product_id, ml.warehouse_id, SUM(ml.qty * ml.effect) AS delta
	FROM movement_lines ml
	JOIN movements mv ON mv.id = ml.movement_id
	WHERE mv.posted_at >= $1
	GROUP BY ml.product_id, ml.warehouse_id
) m ON m.product_id = sa.product_id AND m.warehouse_id = sa.warehouse_id
ORDER BY sa.product_id, sa.warehouse_id`, dayStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snapshot []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		if err := rows.Scan(&row.ProductID, &row.WarehouseID, &row.Quantity); err != nil {
			return nil, err
		}
		snapshot = append(snapshot, row)
	}
	return snapshot, rows.Err()
}

// ListPending returns queued consumptions, oldest first, optionally filtered
// by product.
func (r *Repository) ListPending(ctx context.Context, productID uuid.UUID, limit int) ([]PendingConsumption, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, quantity, sale_ref, unit_price, created_at
FROM pending_consumptions
WHERE ($1::uuid IS NULL OR product_id=$1)
ORDER BY created_at ASC, id ASC
LIMIT $2`, nullUUID(productID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

func (r *txRepository) InsertReceipt(ctx context.Context, receipt *Receipt) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO receipts (id, received_at, supplier_ref, note, created_at)
VALUES ($1, $2, $3, $4, NOW())`, receipt.ID, receipt.ReceivedAt, receipt.SupplierRef, receipt.Note)
	return err
}

func (r *txRepository) InsertReceiptLine(ctx context.Context, line *ReceiptLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO receipt_lines (id, receipt_id, product_id, unit_label, total_qty, first_grade_qty, second_grade_qty, billing_entity, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		line.ID, line.ReceiptID, line.ProductID, line.UnitLabel, line.TotalQty, line.FirstGradeQty, line.SecondGradeQty, line.BillingEntity)
	return err
}

func (r *txRepository) InsertLot(ctx context.Context, lot *Lot) error {
	return r.tx.QueryRow(ctx, `INSERT INTO lots (id, receipt_line_id, product_id, origin_date, lot_type, initial_qty, available_qty, blocked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
RETURNING seq, created_at`,
		lot.ID, lot.ReceiptLineID, lot.ProductID, lot.OriginDate, lot.Type, lot.InitialQty, lot.AvailableQty, lot.Blocked).
		Scan(&lot.Seq, &lot.CreatedAt)
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID uuid.UUID) (Lot, error) {
	var lot Lot
	err := r.tx.QueryRow(ctx, `SELECT id, receipt_line_id, product_id, origin_date, lot_type, initial_qty, available_qty, blocked, seq, created_at
FROM lots WHERE id=$1 FOR UPDATE`, lotID).
		Scan(&lot.ID, &lot.ReceiptLineID, &lot.ProductID, &lot.OriginDate, &lot.Type, &lot.InitialQty, &lot.AvailableQty, &lot.Blocked, &lot.Seq, &lot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, shared.ErrNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) AddLotAvailable(ctx context.Context, lotID uuid.UUID, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET available_qty = available_qty + $2 WHERE id=$1`, lotID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) SetLotBlocked(ctx context.Context, lotID uuid.UUID, blocked bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET blocked=$2 WHERE id=$1`, lotID, blocked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SelectLotsFIFO returns eligible (lot, allocation) candidates ordered by
// origin date then insertion sequence, locking both rows. Under
// OrderFIFOSkipLocked, rows already locked by a concurrent operation are
// skipped instead of waited on.
func (r *txRepository) SelectLotsFIFO(ctx context.Context, productID, warehouseID uuid.UUID, policy OrderingPolicy) ([]LotPick, error) {
	query := `SELECT l.id, a.warehouse_id, l.available_qty, a.available_qty
FROM lots l
JOIN lot_allocations a ON a.lot_id = l.id
WHERE l.product_id = $1
  AND NOT l.blocked
  AND l.available_qty > 0
  AND a.available_qty > 0
  AND ($2::uuid IS NULL OR a.warehouse_id = $2)
ORDER BY l.origin_date ASC, l.seq ASC, a.warehouse_id ASC
FOR UPDATE OF l, a`
	if policy == OrderFIFOSkipLocked {
		query += ` SKIP LOCKED`
	}
	rows, err := r.tx.Query(ctx, query, productID, nullUUID(warehouseID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var picks []LotPick
	for rows.Next() {
		var pick LotPick
		if err := rows.Scan(&pick.LotID, &pick.WarehouseID, &pick.LotAvailable, &pick.WarehouseAvailable); err != nil {
			return nil, err
		}
		picks = append(picks, pick)
	}
	return picks, rows.Err()
}

func (r *txRepository) GetAllocationForUpdate(ctx context.Context, lotID, warehouseID uuid.UUID) (LotAllocation, error) {
	var alloc LotAllocation
	err := r.tx.QueryRow(ctx, `SELECT id, lot_id, warehouse_id, assigned_qty, available_qty
FROM lot_allocations WHERE lot_id=$1 AND warehouse_id=$2 FOR UPDATE`, lotID, warehouseID).
		Scan(&alloc.ID, &alloc.LotID, &alloc.WarehouseID, &alloc.AssignedQty, &alloc.AvailableQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LotAllocation{}, ErrAllocationNotFound
		}
		return LotAllocation{}, err
	}
	return alloc, nil
}

// UpsertAllocation adds the deltas to the (lot, warehouse) allocation row,
// creating it on first use.
func (r *txRepository) UpsertAllocation(ctx context.Context, lotID, warehouseID uuid.UUID, assignedDelta, availableDelta decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO lot_allocations (id, lot_id, warehouse_id, assigned_qty, available_qty)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (lot_id, warehouse_id) DO UPDATE
SET assigned_qty = lot_allocations.assigned_qty + EXCLUDED.assigned_qty,
    available_qty = lot_allocations.available_qty + EXCLUDED.available_qty`,
		uuid.New(), lotID, warehouseID, assignedDelta, availableDelta)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement *Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO movements (id, movement_type, src_warehouse_id, dst_warehouse_id, ref_type, ref_id, note, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		movement.ID, string(movement.Type), nullUUID(movement.SrcWarehouseID), nullUUID(movement.DstWarehouseID),
		movement.RefType, movement.RefID, movement.Note, movement.PostedAt)
	return err
}

func (r *txRepository) InsertMovementLines(ctx context.Context, lines []MovementLine) error {
	for i := range lines {
		line := &lines[i]
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		if _, err := r.tx.Exec(ctx, `INSERT INTO movement_lines (id, movement_id, product_id, lot_id, warehouse_id, qty, effect)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			line.ID, line.MovementID, line.ProductID, nullUUID(line.LotID), line.WarehouseID, line.Qty, int16(line.Effect)); err != nil {
			return err
		}
	}
	return nil
}

// ApplyStockDelta atomically creates or increments the aggregate row. This
// is the single funnel for every aggregate mutation; the storage-level check
// constraint rejects a negative result.
func (r *txRepository) ApplyStockDelta(ctx context.Context, productID, warehouseID uuid.UUID, delta decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_aggregates (product_id, warehouse_id, quantity, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (product_id, warehouse_id) DO UPDATE
SET quantity = stock_aggregates.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		productID, warehouseID, delta)
	return err
}

func (r *txRepository) InsertPendingConsumption(ctx context.Context, pending *PendingConsumption) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO pending_consumptions (id, product_id, quantity, sale_ref, unit_price, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())`,
		pending.ID, pending.ProductID, pending.Quantity, pending.SaleRef, pending.UnitPrice)
	return err
}

func (r *txRepository) SelectPendingForUpdate(ctx context.Context, limit int) ([]PendingConsumption, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.tx.Query(ctx, `SELECT id, product_id, quantity, sale_ref, unit_price, created_at
FROM pending_consumptions
ORDER BY created_at ASC, id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

// ResolvePendingConsumption shrinks a replayed pending row, deleting it once
// nothing remains.
func (r *txRepository) ResolvePendingConsumption(ctx context.Context, id uuid.UUID, remaining decimal.Decimal) error {
	if remaining.Sign() <= 0 {
		_, err := r.tx.Exec(ctx, `DELETE FROM pending_consumptions WHERE id=$1`, id)
		return err
	}
	_, err := r.tx.Exec(ctx, `UPDATE pending_consumptions SET quantity=$2 WHERE id=$1`, id, remaining)
	return err
}

func scanPending(rows pgx.Rows) ([]PendingConsumption, error) {
	var pendings []PendingConsumption
	for rows.Next() {
		var p PendingConsumption
		if err := rows.Scan(&p.ID, &p.ProductID, &p.Quantity, &p.SaleRef, &p.UnitPrice, &p.CreatedAt); err != nil {
			return nil, err
		}
		pendings = append(pendings, p)
	}
	return pendings, rows.Err()
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
