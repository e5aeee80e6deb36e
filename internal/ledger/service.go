package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// CatalogPort supplies product identity. The ledger trusts product ids but
// verifies existence on intake and fractionation destinations.
type CatalogPort interface {
	ProductExists(ctx context.Context, productID uuid.UUID) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards once-only references such as sale refs and supplier
// refs. Delete releases a key after a failed operation so the caller may
// retry with the same reference.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates the lot ledger engines. All mutating operations run
// inside one repository transaction; correctness under concurrency comes
// from row locks, not in-process synchronisation.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       *StockCache
	ordering    OrderingPolicy
	shortfall   ShortfallPolicy
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Ordering  OrderingPolicy
	Shortfall ShortfallPolicy
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, audit AuditPort, idem IdempotencyPort, cache *StockCache, cfg ServiceConfig) *Service {
	ordering := cfg.Ordering
	if ordering == "" {
		ordering = OrderFIFOSkipLocked
	}
	shortfall := cfg.Shortfall
	if shortfall == "" {
		shortfall = ShortfallQueue
	}
	return &Service{repo: repo, catalog: catalog, audit: audit, idempotency: idem, cache: cache, ordering: ordering, shortfall: shortfall}
}

// OrderingPolicy reports the configured lot selection policy.
func (s *Service) OrderingPolicy() OrderingPolicy {
	return s.ordering
}

type deltaKey struct {
	productID   uuid.UUID
	warehouseID uuid.UUID
}

// stockDeltas accumulates aggregate changes so each touched
// (product, warehouse) pair receives exactly one ApplyStockDelta call per
// operation, in first-touch order.
type stockDeltas struct {
	order []deltaKey
	m     map[deltaKey]decimal.Decimal
}

func newStockDeltas() *stockDeltas {
	return &stockDeltas{m: make(map[deltaKey]decimal.Decimal)}
}

func (d *stockDeltas) add(productID, warehouseID uuid.UUID, delta decimal.Decimal) {
	key := deltaKey{productID: productID, warehouseID: warehouseID}
	if _, ok := d.m[key]; !ok {
		d.order = append(d.order, key)
	}
	d.m[key] = d.m[key].Add(delta)
}

func (d *stockDeltas) apply(ctx context.Context, tx TxRepository) error {
	for _, key := range d.order {
		delta := d.m[key]
		if delta.IsZero() {
			continue
		}
		if err := tx.ApplyStockDelta(ctx, key.productID, key.warehouseID, delta); err != nil {
			return err
		}
	}
	return nil
}

// consumeLots walks eligible lots oldest-origin-first and decrements both
// the lot's global availability and its allocation at the warehouse the pick
// draws from. Used by sale consumption and pending replay. Returns how much
// was applied and the negative movement lines produced.
func (s *Service) consumeLots(ctx context.Context, tx TxRepository, productID, warehouseID uuid.UUID, requested decimal.Decimal, deltas *stockDeltas) (decimal.Decimal, []MovementLine, error) {
	picks, err := tx.SelectLotsFIFO(ctx, productID, warehouseID, s.ordering)
	if err != nil {
		return decimal.Zero, nil, err
	}
	remaining := requested
	applied := decimal.Zero
	var lines []MovementLine
	for _, pick := range picks {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(remaining, pick.WarehouseAvailable, pick.LotAvailable)
		if take.Sign() <= 0 {
			continue
		}
		if err := tx.AddLotAvailable(ctx, pick.LotID, take.Neg()); err != nil {
			return decimal.Zero, nil, err
		}
		if err := tx.UpsertAllocation(ctx, pick.LotID, pick.WarehouseID, decimal.Zero, take.Neg()); err != nil {
			return decimal.Zero, nil, err
		}
		lines = append(lines, MovementLine{
			ProductID:   productID,
			LotID:       pick.LotID,
			WarehouseID: pick.WarehouseID,
			Qty:         take,
			Effect:      EffectOut,
		})
		deltas.add(productID, pick.WarehouseID, take.Neg())
		remaining = remaining.Sub(take)
		applied = applied.Add(take)
	}
	return applied, lines, nil
}

func (s *Service) ensureProduct(ctx context.Context, productID uuid.UUID) error {
	if s.catalog == nil {
		return nil
	}
	ok, err := s.catalog.ProductExists(ctx, productID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("product %s: %w", productID, shared.ErrNotFound)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func (s *Service) invalidateStock(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx)
}

func requirePositive(field string, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return shared.NewValidationError(field, "quantity must be positive")
	}
	return nil
}
