package ledger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lotledger/lotledger/internal/shared"
)

type memoryRepo struct {
	lots          map[uuid.UUID]*Lot
	allocations   map[uuid.UUID]map[uuid.UUID]*LotAllocation
	aggregates    map[uuid.UUID]map[uuid.UUID]decimal.Decimal
	receipts      []Receipt
	receiptLines  []ReceiptLine
	movements     []Movement
	movementLines []MovementLine
	pendings      []PendingConsumption
	nextSeq       int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:        make(map[uuid.UUID]*Lot),
		allocations: make(map[uuid.UUID]map[uuid.UUID]*LotAllocation),
		aggregates:  make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

// snapshot deep-copies the repo state so WithTx can roll back on error,
// mirroring the transactional contract of the real repository.
func (r *memoryRepo) snapshot() *memoryRepo {
	s := &memoryRepo{
		lots:          make(map[uuid.UUID]*Lot, len(r.lots)),
		allocations:   make(map[uuid.UUID]map[uuid.UUID]*LotAllocation, len(r.allocations)),
		aggregates:    make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal, len(r.aggregates)),
		receipts:      append([]Receipt(nil), r.receipts...),
		receiptLines:  append([]ReceiptLine(nil), r.receiptLines...),
		movements:     append([]Movement(nil), r.movements...),
		movementLines: append([]MovementLine(nil), r.movementLines...),
		pendings:      append([]PendingConsumption(nil), r.pendings...),
		nextSeq:       r.nextSeq,
	}
	for id, lot := range r.lots {
		copied := *lot
		s.lots[id] = &copied
	}
	for lotID, byWarehouse := range r.allocations {
		inner := make(map[uuid.UUID]*LotAllocation, len(byWarehouse))
		for wh, alloc := range byWarehouse {
			copied := *alloc
			inner[wh] = &copied
		}
		s.allocations[lotID] = inner
	}
	for product, byWarehouse := range r.aggregates {
		inner := make(map[uuid.UUID]decimal.Decimal, len(byWarehouse))
		for wh, qty := range byWarehouse {
			inner[wh] = qty
		}
		s.aggregates[product] = inner
	}
	return s
}

func (r *memoryRepo) restore(saved *memoryRepo) {
	r.lots = saved.lots
	r.allocations = saved.allocations
	r.aggregates = saved.aggregates
	r.receipts = saved.receipts
	r.receiptLines = saved.receiptLines
	r.movements = saved.movements
	r.movementLines = saved.movementLines
	r.pendings = saved.pendings
	r.nextSeq = saved.nextSeq
}

func (r *memoryRepo) GetStock(ctx context.Context, productID, warehouseID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for wh, qty := range r.aggregates[productID] {
		if warehouseID == uuid.Nil || wh == warehouseID {
			total = total.Add(qty)
		}
	}
	return total, nil
}

func (r *memoryRepo) GetLot(ctx context.Context, lotID uuid.UUID) (Lot, error) {
	return (&memoryTx{repo: r}).GetLotForUpdate(context.Background(), lotID)
}

func (r *memoryRepo) InitialStockSnapshot(ctx context.Context, day time.Time) ([]SnapshotRow, error) {
	var rows []SnapshotRow
	for product, byWarehouse := range r.aggregates {
		for wh, qty := range byWarehouse {
			rows = append(rows, SnapshotRow{ProductID: product, WarehouseID: wh, Quantity: qty})
		}
	}
	return rows, nil
}

func (r *memoryRepo) ListPending(ctx context.Context, productID uuid.UUID, limit int) ([]PendingConsumption, error) {
	var out []PendingConsumption
	for _, p := range r.pendings {
		if productID == uuid.Nil || p.ProductID == productID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertReceipt(ctx context.Context, receipt *Receipt) error {
	receipt.CreatedAt = time.Now().UTC()
	tx.repo.receipts = append(tx.repo.receipts, *receipt)
	return nil
}

func (tx *memoryTx) InsertReceiptLine(ctx context.Context, line *ReceiptLine) error {
	line.CreatedAt = time.Now().UTC()
	tx.repo.receiptLines = append(tx.repo.receiptLines, *line)
	return nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot *Lot) error {
	tx.repo.nextSeq++
	lot.Seq = tx.repo.nextSeq
	lot.CreatedAt = time.Now().UTC()
	stored := *lot
	tx.repo.lots[lot.ID] = &stored
	return nil
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID uuid.UUID) (Lot, error) {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return Lot{}, errNotFoundForTest
	}
	return *lot, nil
}

func (tx *memoryTx) AddLotAvailable(ctx context.Context, lotID uuid.UUID, delta decimal.Decimal) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return errNotFoundForTest
	}
	lot.AvailableQty = lot.AvailableQty.Add(delta)
	return nil
}

func (tx *memoryTx) SetLotBlocked(ctx context.Context, lotID uuid.UUID, blocked bool) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return errNotFoundForTest
	}
	lot.Blocked = blocked
	return nil
}

func (tx *memoryTx) SelectLotsFIFO(ctx context.Context, productID, warehouseID uuid.UUID, policy OrderingPolicy) ([]LotPick, error) {
	var candidates []*Lot
	for _, lot := range tx.repo.lots {
		if lot.ProductID != productID || lot.Blocked || lot.AvailableQty.Sign() <= 0 {
			continue
		}
		candidates = append(candidates, lot)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].OriginDate.Equal(candidates[j].OriginDate) {
			return candidates[i].OriginDate.Before(candidates[j].OriginDate)
		}
		return candidates[i].Seq < candidates[j].Seq
	})
	var picks []LotPick
	for _, lot := range candidates {
		var whIDs []uuid.UUID
		for wh := range tx.repo.allocations[lot.ID] {
			whIDs = append(whIDs, wh)
		}
		sort.Slice(whIDs, func(i, j int) bool { return whIDs[i].String() < whIDs[j].String() })
		for _, wh := range whIDs {
			alloc := tx.repo.allocations[lot.ID][wh]
			if alloc.AvailableQty.Sign() <= 0 {
				continue
			}
			if warehouseID != uuid.Nil && wh != warehouseID {
				continue
			}
			picks = append(picks, LotPick{
				LotID:              lot.ID,
				WarehouseID:        wh,
				LotAvailable:       lot.AvailableQty,
				WarehouseAvailable: alloc.AvailableQty,
			})
		}
	}
	return picks, nil
}

func (tx *memoryTx) GetAllocationForUpdate(ctx context.Context, lotID, warehouseID uuid.UUID) (LotAllocation, error) {
	if alloc, ok := tx.repo.allocations[lotID][warehouseID]; ok {
		return *alloc, nil
	}
	return LotAllocation{}, ErrAllocationNotFound
}

func (tx *memoryTx) UpsertAllocation(ctx context.Context, lotID, warehouseID uuid.UUID, assignedDelta, availableDelta decimal.Decimal) error {
	byWarehouse, ok := tx.repo.allocations[lotID]
	if !ok {
		byWarehouse = make(map[uuid.UUID]*LotAllocation)
		tx.repo.allocations[lotID] = byWarehouse
	}
	alloc, ok := byWarehouse[warehouseID]
	if !ok {
		alloc = &LotAllocation{ID: uuid.New(), LotID: lotID, WarehouseID: warehouseID}
		byWarehouse[warehouseID] = alloc
	}
	alloc.AssignedQty = alloc.AssignedQty.Add(assignedDelta)
	alloc.AvailableQty = alloc.AvailableQty.Add(availableDelta)
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement *Movement) error {
	tx.repo.movements = append(tx.repo.movements, *movement)
	return nil
}

func (tx *memoryTx) InsertMovementLines(ctx context.Context, lines []MovementLine) error {
	tx.repo.movementLines = append(tx.repo.movementLines, lines...)
	return nil
}

func (tx *memoryTx) ApplyStockDelta(ctx context.Context, productID, warehouseID uuid.UUID, delta decimal.Decimal) error {
	byWarehouse, ok := tx.repo.aggregates[productID]
	if !ok {
		byWarehouse = make(map[uuid.UUID]decimal.Decimal)
		tx.repo.aggregates[productID] = byWarehouse
	}
	byWarehouse[warehouseID] = byWarehouse[warehouseID].Add(delta)
	return nil
}

func (tx *memoryTx) InsertPendingConsumption(ctx context.Context, pending *PendingConsumption) error {
	pending.CreatedAt = time.Now().UTC()
	tx.repo.pendings = append(tx.repo.pendings, *pending)
	return nil
}

func (tx *memoryTx) SelectPendingForUpdate(ctx context.Context, limit int) ([]PendingConsumption, error) {
	out := make([]PendingConsumption, len(tx.repo.pendings))
	copy(out, tx.repo.pendings)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) ResolvePendingConsumption(ctx context.Context, id uuid.UUID, remaining decimal.Decimal) error {
	for i := range tx.repo.pendings {
		if tx.repo.pendings[i].ID != id {
			continue
		}
		if remaining.Sign() <= 0 {
			tx.repo.pendings = append(tx.repo.pendings[:i], tx.repo.pendings[i+1:]...)
		} else {
			tx.repo.pendings[i].Quantity = remaining
		}
		return nil
	}
	return errNotFoundForTest
}

var errNotFoundForTest = ErrAllocationNotFound

// memoryIdempotency mirrors the unique-key semantics of the pg-backed store.
type memoryIdempotency struct {
	keys map[string]bool
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]bool)}
}

func (s *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(repo *memoryRepo, cfg ServiceConfig) *Service {
	return NewService(repo, nil, nil, nil, nil, cfg)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// checkAggregateInvariant asserts the aggregate equals the sum of allocation
// availability for every (product, warehouse) pair.
func checkAggregateInvariant(t *testing.T, repo *memoryRepo) {
	t.Helper()
	sums := make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal)
	for lotID, byWarehouse := range repo.allocations {
		product := repo.lots[lotID].ProductID
		if sums[product] == nil {
			sums[product] = make(map[uuid.UUID]decimal.Decimal)
		}
		for wh, alloc := range byWarehouse {
			sums[product][wh] = sums[product][wh].Add(alloc.AvailableQty)
		}
	}
	for product, byWarehouse := range repo.aggregates {
		for wh, qty := range byWarehouse {
			require.True(t, qty.Equal(sums[product][wh]),
				"aggregate %s != allocation sum %s for product %s warehouse %s", qty, sums[product][wh], product, wh)
		}
	}
}

func registerReceipt(t *testing.T, svc *Service, warehouseID, productID uuid.UUID, receivedAt time.Time, first, second string) ReceiptResult {
	t.Helper()
	total := dec(first).Add(dec(second))
	result, err := svc.RegisterReceipt(context.Background(), ReceiptInput{
		ReceivedAt:  receivedAt,
		WarehouseID: warehouseID,
		Lines: []ReceiptLineInput{{
			ProductID:      productID,
			TotalQty:       total,
			FirstGradeQty:  dec(first),
			SecondGradeQty: dec(second),
		}},
	})
	require.NoError(t, err)
	return result
}

func TestRegisterReceiptSplitsGrades(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	product := uuid.New()

	result := registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "70.5", "29.5")
	require.Len(t, result.Lots, 2)
	require.Equal(t, LotTypeFirstGrade, result.Lots[0].Type)
	require.Equal(t, LotTypeSecondGrade, result.Lots[1].Type)
	require.True(t, result.Lots[0].AvailableQty.Equal(dec("70.5")))
	require.True(t, result.Lots[1].AvailableQty.Equal(dec("29.5")))

	stock, err := svc.GetStock(context.Background(), product, warehouse)
	require.NoError(t, err)
	require.True(t, stock.Equal(dec("100")))

	// One INBOUND movement, one in-effect line per lot.
	require.Len(t, repo.movements, 1)
	require.Equal(t, MovementInbound, repo.movements[0].Type)
	require.Len(t, repo.movementLines, 2)
	for _, line := range repo.movementLines {
		require.Equal(t, EffectIn, line.Effect)
	}
	checkAggregateInvariant(t, repo)
}

func TestRegisterReceiptZeroGradeYieldsOneLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})

	result := registerReceipt(t, svc, uuid.New(), uuid.New(), time.Now().UTC(), "40", "0")
	require.Len(t, result.Lots, 1)
	require.Equal(t, LotTypeFirstGrade, result.Lots[0].Type)
}

func TestRegisterReceiptRejectsGradeMismatch(t *testing.T) {
	svc := newTestService(newMemoryRepo(), ServiceConfig{})

	_, err := svc.RegisterReceipt(context.Background(), ReceiptInput{
		WarehouseID: uuid.New(),
		Lines: []ReceiptLineInput{{
			ProductID:      uuid.New(),
			TotalQty:       dec("10"),
			FirstGradeQty:  dec("6"),
			SecondGradeQty: dec("5"),
		}},
	})
	require.Error(t, err)
}

func TestConsumeFollowsFIFOAcrossReceipts(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	product := uuid.New()

	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	first := registerReceipt(t, svc, warehouse, product, older, "30", "0")
	second := registerReceipt(t, svc, warehouse, product, newer, "50", "0")

	result, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID:   product,
		Quantity:    dec("40"),
		WarehouseID: warehouse,
		SaleRef:     "SO-1001",
	})
	require.NoError(t, err)
	require.True(t, result.Applied.Equal(dec("40")))
	require.True(t, result.Pending.IsZero())

	// Oldest lot drained first, remainder from the newer lot.
	require.Len(t, result.Detail, 2)
	require.Equal(t, first.Lots[0].ID, result.Detail[0].LotID)
	require.True(t, result.Detail[0].Qty.Equal(dec("30")))
	require.Equal(t, second.Lots[0].ID, result.Detail[1].LotID)
	require.True(t, result.Detail[1].Qty.Equal(dec("10")))

	require.True(t, repo.lots[first.Lots[0].ID].AvailableQty.IsZero())
	require.True(t, repo.lots[second.Lots[0].ID].AvailableQty.Equal(dec("40")))
	checkAggregateInvariant(t, repo)
}

func TestConsumeShortfallQueuesPending(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "25", "0")

	result, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID: product,
		Quantity:  dec("40"),
		SaleRef:   "SO-2001",
	})
	require.NoError(t, err)
	require.True(t, result.Applied.Equal(dec("25")))
	require.True(t, result.Pending.Equal(dec("15")))

	require.Len(t, repo.pendings, 1)
	require.True(t, repo.pendings[0].Quantity.Equal(dec("15")))
	require.Equal(t, "SO-2001", repo.pendings[0].SaleRef)
	checkAggregateInvariant(t, repo)
}

func TestConsumeShortfallFailPolicy(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{Shortfall: ShortfallFail})
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "25", "0")

	_, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID: product,
		Quantity:  dec("40"),
		SaleRef:   "SO-2002",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Whole operation rolled back: nothing queued, supply untouched.
	require.Empty(t, repo.pendings)
	stock, err := svc.GetStock(context.Background(), product, uuid.Nil)
	require.NoError(t, err)
	require.True(t, stock.Equal(dec("25")))
}

func TestConsumeScopedToWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	whA := uuid.New()
	whB := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, whA, product, time.Now().UTC(), "10", "0")
	registerReceipt(t, svc, whB, product, time.Now().UTC(), "90", "0")

	result, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID:   product,
		Quantity:    dec("30"),
		WarehouseID: whA,
		SaleRef:     "SO-3001",
	})
	require.NoError(t, err)
	require.True(t, result.Applied.Equal(dec("10")))
	require.True(t, result.Pending.Equal(dec("20")))

	// Warehouse B's supply is not eligible for a scoped request.
	stockB, err := svc.GetStock(context.Background(), product, whB)
	require.NoError(t, err)
	require.True(t, stockB.Equal(dec("90")))
}

func TestConsumeSkipsBlockedLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	product := uuid.New()
	older := registerReceipt(t, svc, warehouse, product, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "50", "0")
	registerReceipt(t, svc, warehouse, product, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "50", "0")

	require.NoError(t, svc.SetLotBlocked(context.Background(), older.Lots[0].ID, true))

	result, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID: product,
		Quantity:  dec("20"),
		SaleRef:   "SO-4001",
	})
	require.NoError(t, err)
	require.True(t, result.Applied.Equal(dec("20")))
	require.Len(t, result.Detail, 1)
	require.NotEqual(t, older.Lots[0].ID, result.Detail[0].LotID)
	require.True(t, repo.lots[older.Lots[0].ID].AvailableQty.Equal(dec("50")))
}

func TestReplayPendingConsumptions(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "10", "0")

	_, err := svc.ConsumeForSale(context.Background(), ConsumeInput{
		ProductID: product,
		Quantity:  dec("30"),
		SaleRef:   "SO-5001",
	})
	require.NoError(t, err)
	require.Len(t, repo.pendings, 1)

	// New supply arrives; replay satisfies part of the queue.
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "15", "0")
	results, err := svc.ReplayPendingConsumptions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Applied.Equal(dec("15")))
	require.True(t, results[0].Remaining.Equal(dec("5")))
	require.Len(t, repo.pendings, 1)
	require.True(t, repo.pendings[0].Quantity.Equal(dec("5")))

	// The rest arrives; the row is fully resolved and removed.
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "20", "0")
	results, err = svc.ReplayPendingConsumptions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Remaining.IsZero())
	require.Empty(t, repo.pendings)
	checkAggregateInvariant(t, repo)
}

func TestTransferKeepsLotIdentity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	src := uuid.New()
	dst := uuid.New()
	product := uuid.New()
	receipt := registerReceipt(t, svc, src, product, time.Now().UTC(), "100", "0")
	lotID := receipt.Lots[0].ID

	result, err := svc.Transfer(context.Background(), []TransferLineInput{{
		ProductID:      product,
		Quantity:       dec("35"),
		SrcWarehouseID: src,
		DstWarehouseID: dst,
	}})
	require.NoError(t, err)
	require.Len(t, result.Detail, 1)
	require.Equal(t, lotID, result.Detail[0].LotID)

	// Lot-global availability is untouched; only the allocations moved.
	require.True(t, repo.lots[lotID].AvailableQty.Equal(dec("100")))
	require.True(t, repo.allocations[lotID][src].AvailableQty.Equal(dec("65")))
	require.True(t, repo.allocations[lotID][dst].AvailableQty.Equal(dec("35")))

	stockSrc, _ := svc.GetStock(context.Background(), product, src)
	stockDst, _ := svc.GetStock(context.Background(), product, dst)
	require.True(t, stockSrc.Equal(dec("65")))
	require.True(t, stockDst.Equal(dec("35")))
	checkAggregateInvariant(t, repo)
}

func TestTransferInsufficientRollsBackBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	src := uuid.New()
	dst := uuid.New()
	productA := uuid.New()
	productB := uuid.New()
	registerReceipt(t, svc, src, productA, time.Now().UTC(), "50", "0")
	registerReceipt(t, svc, src, productB, time.Now().UTC(), "5", "0")

	_, err := svc.Transfer(context.Background(), []TransferLineInput{
		{ProductID: productA, Quantity: dec("10"), SrcWarehouseID: src, DstWarehouseID: dst},
		{ProductID: productB, Quantity: dec("10"), SrcWarehouseID: src, DstWarehouseID: dst},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestTransferRejectsSameWarehouse(t *testing.T) {
	svc := newTestService(newMemoryRepo(), ServiceConfig{})
	wh := uuid.New()

	_, err := svc.Transfer(context.Background(), []TransferLineInput{{
		ProductID:      uuid.New(),
		Quantity:       dec("1"),
		SrcWarehouseID: wh,
		DstWarehouseID: wh,
	}})
	require.Error(t, err)
}

func TestFractionateExplicitDestinations(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	source := uuid.New()
	juice := uuid.New()
	pulp := uuid.New()
	origin := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	receipt := registerReceipt(t, svc, warehouse, source, origin, "100", "0")
	srcLot := receipt.Lots[0]

	result, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     srcLot.ID,
		SourceProductID: source,
		WarehouseID:     warehouse,
		ConsumeQty:      dec("60"),
		Destinations: []FractionateDestination{
			{ProductID: juice, Quantity: dec("45")},
			{ProductID: pulp, Quantity: dec("12.5")},
		},
	}})
	require.NoError(t, err)
	require.Len(t, result.Detail, 2)

	// Derived lots inherit the source's receipt line and origin date.
	for _, detail := range result.Detail {
		derived := repo.lots[detail.NewLotID]
		require.Equal(t, LotTypeDerived, derived.Type)
		require.Equal(t, srcLot.ReceiptLineID, derived.ReceiptLineID)
		require.True(t, derived.OriginDate.Equal(origin))
	}

	require.True(t, repo.lots[srcLot.ID].AvailableQty.Equal(dec("40")))
	juiceStock, _ := svc.GetStock(context.Background(), juice, warehouse)
	pulpStock, _ := svc.GetStock(context.Background(), pulp, warehouse)
	require.True(t, juiceStock.Equal(dec("45")))
	require.True(t, pulpStock.Equal(dec("12.5")))
	checkAggregateInvariant(t, repo)
}

func TestFractionateFactorMode(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	source := uuid.New()
	juice := uuid.New()
	receipt := registerReceipt(t, svc, warehouse, source, time.Now().UTC(), "80", "0")

	result, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     receipt.Lots[0].ID,
		SourceProductID: source,
		WarehouseID:     warehouse,
		ConsumeQty:      dec("30"),
		FactorProductID: juice,
		Factor:          dec("0.7"),
	}})
	require.NoError(t, err)
	require.Len(t, result.Detail, 1)
	require.True(t, result.Detail[0].Qty.Equal(dec("21")))
	checkAggregateInvariant(t, repo)
}

func TestFractionateRejectsBothModes(t *testing.T) {
	svc := newTestService(newMemoryRepo(), ServiceConfig{})

	_, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     uuid.New(),
		SourceProductID: uuid.New(),
		WarehouseID:     uuid.New(),
		ConsumeQty:      dec("10"),
		Destinations:    []FractionateDestination{{ProductID: uuid.New(), Quantity: dec("5")}},
		FactorProductID: uuid.New(),
		Factor:          dec("0.5"),
	}})
	require.Error(t, err)
}

func TestFractionateProductMismatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	source := uuid.New()
	receipt := registerReceipt(t, svc, warehouse, source, time.Now().UTC(), "50", "0")

	_, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     receipt.Lots[0].ID,
		SourceProductID: uuid.New(),
		WarehouseID:     warehouse,
		ConsumeQty:      dec("10"),
		FactorProductID: uuid.New(),
		Factor:          dec("1"),
	}})
	require.ErrorIs(t, err, ErrLotProductMismatch)
}

func TestFractionateBlockedLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	source := uuid.New()
	receipt := registerReceipt(t, svc, warehouse, source, time.Now().UTC(), "50", "0")
	require.NoError(t, svc.SetLotBlocked(context.Background(), receipt.Lots[0].ID, true))

	_, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     receipt.Lots[0].ID,
		SourceProductID: source,
		WarehouseID:     warehouse,
		ConsumeQty:      dec("10"),
		FactorProductID: uuid.New(),
		Factor:          dec("1"),
	}})
	require.ErrorIs(t, err, ErrLotBlocked)
}

func TestFractionateInsufficientSource(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	warehouse := uuid.New()
	source := uuid.New()
	receipt := registerReceipt(t, svc, warehouse, source, time.Now().UTC(), "20", "0")

	_, err := svc.Fractionate(context.Background(), []FractionateLineInput{{
		SourceLotID:     receipt.Lots[0].ID,
		SourceProductID: source,
		WarehouseID:     warehouse,
		ConsumeQty:      dec("25"),
		FactorProductID: uuid.New(),
		Factor:          dec("1"),
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

// TestFullLedgerScenario walks receipt, transfer, fractionation, sale and
// replay end to end and checks the aggregate invariant after every step.
func TestFullLedgerScenario(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	main := uuid.New()
	north := uuid.New()
	apples := uuid.New()
	juice := uuid.New()

	receipt := registerReceipt(t, svc, main, apples, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), "400", "100")
	checkAggregateInvariant(t, repo)

	_, err := svc.Transfer(ctx, []TransferLineInput{{
		ProductID:      apples,
		Quantity:       dec("150"),
		SrcWarehouseID: main,
		DstWarehouseID: north,
	}})
	require.NoError(t, err)
	checkAggregateInvariant(t, repo)

	_, err = svc.Fractionate(ctx, []FractionateLineInput{{
		SourceLotID:     receipt.Lots[0].ID,
		SourceProductID: apples,
		WarehouseID:     main,
		ConsumeQty:      dec("100"),
		FactorProductID: juice,
		Factor:          dec("0.6"),
	}})
	require.NoError(t, err)
	checkAggregateInvariant(t, repo)

	sale, err := svc.ConsumeForSale(ctx, ConsumeInput{
		ProductID: apples,
		Quantity:  dec("500"),
		SaleRef:   "SO-9001",
	})
	require.NoError(t, err)
	require.True(t, sale.Applied.Equal(dec("400")))
	require.True(t, sale.Pending.Equal(dec("100")))
	checkAggregateInvariant(t, repo)

	registerReceipt(t, svc, main, apples, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), "250", "0")
	results, err := svc.ReplayPendingConsumptions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Remaining.IsZero())
	require.Empty(t, repo.pendings)
	checkAggregateInvariant(t, repo)

	appleStock, err := svc.GetStock(ctx, apples, uuid.Nil)
	require.NoError(t, err)
	// 500 received - 100 fractionated - 400 sold - 100 replayed + 250 received = 150
	require.True(t, appleStock.Equal(dec("150")))
	juiceStock, err := svc.GetStock(ctx, juice, uuid.Nil)
	require.NoError(t, err)
	require.True(t, juiceStock.Equal(dec("60")))
}

func TestConsumeForSaleDuplicateSaleRefAppliesOnce(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, newMemoryIdempotency(), nil, ServiceConfig{})
	ctx := context.Background()
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "100", "0")

	input := ConsumeInput{ProductID: product, Quantity: dec("40"), WarehouseID: warehouse, SaleRef: "S-100"}
	first, err := svc.ConsumeForSale(ctx, input)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.True(t, first.Applied.Equal(dec("40")))

	second, err := svc.ConsumeForSale(ctx, input)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.True(t, second.Applied.IsZero())
	require.Empty(t, second.Detail)

	stock, err := svc.GetStock(ctx, product, warehouse)
	require.NoError(t, err)
	require.True(t, stock.Equal(dec("60")))
	// One INBOUND and one SALE movement; the duplicate posted nothing.
	require.Len(t, repo.movements, 2)
	checkAggregateInvariant(t, repo)
}

func TestRegisterReceiptDuplicateSupplierRef(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, newMemoryIdempotency(), nil, ServiceConfig{})
	ctx := context.Background()
	input := ReceiptInput{
		ReceivedAt:  time.Now().UTC(),
		SupplierRef: "PO-77",
		WarehouseID: uuid.New(),
		Lines: []ReceiptLineInput{{
			ProductID:     uuid.New(),
			TotalQty:      dec("50"),
			FirstGradeQty: dec("50"),
		}},
	}

	first, err := svc.RegisterReceipt(ctx, input)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Len(t, first.Lots, 1)

	second, err := svc.RegisterReceipt(ctx, input)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Empty(t, second.Lots)

	require.Len(t, repo.lots, 1)
	require.Len(t, repo.movements, 1)
	checkAggregateInvariant(t, repo)
}

func TestConsumeFailureReleasesSaleRef(t *testing.T) {
	repo := newMemoryRepo()
	idem := newMemoryIdempotency()
	svc := NewService(repo, nil, nil, idem, nil, ServiceConfig{Shortfall: ShortfallFail})
	ctx := context.Background()
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "10", "0")

	input := ConsumeInput{ProductID: product, Quantity: dec("25"), WarehouseID: warehouse, SaleRef: "S-RETRY"}
	_, err := svc.ConsumeForSale(ctx, input)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.False(t, idem.keys["SALE:S-RETRY"])

	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "20", "0")
	result, err := svc.ConsumeForSale(ctx, input)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.True(t, result.Applied.Equal(dec("25")))
}

func TestMutatingOperationsWriteAuditEntries(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, nil, audit, nil, nil, ServiceConfig{})
	ctx := context.Background()
	warehouse := uuid.New()
	product := uuid.New()
	registerReceipt(t, svc, warehouse, product, time.Now().UTC(), "30", "0")

	_, err := svc.ConsumeForSale(ctx, ConsumeInput{ProductID: product, Quantity: dec("5"), WarehouseID: warehouse, SaleRef: "S-A1"})
	require.NoError(t, err)

	require.Len(t, audit.logs, 2)
	require.Equal(t, "ledger:receipt", audit.logs[0].Action)
	require.Equal(t, "ledger:consume", audit.logs[1].Action)
	// Every entry must satisfy the logger's action/entity/entity_id contract
	// or the write would be rejected at the store.
	for _, entry := range audit.logs {
		require.NotEmpty(t, entry.Action)
		require.NotEmpty(t, entry.Entity)
		require.NotEmpty(t, entry.EntityID)
	}
}
