package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lotledger/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	GetProduct(ctx context.Context, id uuid.UUID) (Product, error)
	ProductExists(ctx context.Context, id uuid.UUID) (bool, error)
	ListProducts(ctx context.Context, limit int) ([]Product, error)
	UpsertProduct(ctx context.Context, product Product) error
	GetWarehouse(ctx context.Context, id uuid.UUID) (Warehouse, error)
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
	CreateWarehouse(ctx context.Context, warehouse Warehouse) error
}

// DispatchNudger wakes the outbox dispatcher ahead of its polling interval.
type DispatchNudger interface {
	EnqueueOutboxDispatch(ctx context.Context) error
}

// Service owns catalog truth: the ledger consumes it through the
// ProductExists port and never writes products itself.
type Service struct {
	repo   RepositoryPort
	nudger DispatchNudger
}

// NewService builds Service. nudger may be nil; the dispatcher's polling
// loop delivers enqueued events regardless.
func NewService(repo RepositoryPort, nudger DispatchNudger) *Service {
	return &Service{repo: repo, nudger: nudger}
}

// nudge is best effort. The upsert and its outbox event are already
// committed, so a failed nudge only delays delivery until the next poll.
func (s *Service) nudge(ctx context.Context) {
	if s.nudger == nil {
		return
	}
	_ = s.nudger.EnqueueOutboxDispatch(ctx)
}

func (s *Service) validateProduct(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return shared.NewValidationError("sku", "sku is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return shared.NewValidationError("name", "name is required")
	}
	return nil
}

// GetProduct loads one product.
func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	if id == uuid.Nil {
		return Product{}, shared.NewValidationError("id", "product id required")
	}
	return s.repo.GetProduct(ctx, id)
}

// ProductExists backs the ledger's catalog port.
func (s *Service) ProductExists(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	return s.repo.ProductExists(ctx, id)
}

// ListProducts lists active products.
func (s *Service) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	return s.repo.ListProducts(ctx, limit)
}

// CreateProduct registers a product and schedules its sales push.
func (s *Service) CreateProduct(ctx context.Context, product Product) (Product, error) {
	if err := s.validateProduct(product); err != nil {
		return Product{}, err
	}
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	product.IsActive = true
	if err := s.repo.UpsertProduct(ctx, product); err != nil {
		return Product{}, err
	}
	s.nudge(ctx)
	return product, nil
}

// UpdateProduct updates a product and schedules its sales push.
func (s *Service) UpdateProduct(ctx context.Context, product Product) error {
	if product.ID == uuid.Nil {
		return shared.NewValidationError("id", "product id required")
	}
	if err := s.validateProduct(product); err != nil {
		return err
	}
	if err := s.repo.UpsertProduct(ctx, product); err != nil {
		return err
	}
	s.nudge(ctx)
	return nil
}

// GetWarehouse loads one warehouse.
func (s *Service) GetWarehouse(ctx context.Context, id uuid.UUID) (Warehouse, error) {
	if id == uuid.Nil {
		return Warehouse{}, shared.NewValidationError("id", "warehouse id required")
	}
	return s.repo.GetWarehouse(ctx, id)
}

// ListWarehouses lists active warehouses.
func (s *Service) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

// CreateWarehouse registers a warehouse.
func (s *Service) CreateWarehouse(ctx context.Context, warehouse Warehouse) (Warehouse, error) {
	if strings.TrimSpace(warehouse.Code) == "" {
		return Warehouse{}, shared.NewValidationError("code", "code is required")
	}
	if strings.TrimSpace(warehouse.Name) == "" {
		return Warehouse{}, shared.NewValidationError("name", "name is required")
	}
	if warehouse.ID == uuid.Nil {
		warehouse.ID = uuid.New()
	}
	warehouse.IsActive = true
	if err := s.repo.CreateWarehouse(ctx, warehouse); err != nil {
		return Warehouse{}, err
	}
	return warehouse, nil
}
