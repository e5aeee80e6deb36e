package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotledger/lotledger/internal/outbox"
	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

// Repository persists catalog data in PostgreSQL. Product mutations enqueue
// the outbox event inside the same transaction so a committed product is
// always eventually pushed to the sales system.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, unit_label, lot_tracked, is_active, created_at, updated_at
FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.UnitLabel, &p.LotTracked, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// ProductExists reports whether an active product exists.
func (r *Repository) ProductExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

// ListProducts returns active products ordered by SKU.
func (r *Repository) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit_label, lot_tracked, is_active, created_at, updated_at
FROM products WHERE is_active ORDER BY sku ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitLabel, &p.LotTracked, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpsertProduct creates or updates a product and enqueues the sales push
// event transactionally.
func (r *Repository) UpsertProduct(ctx context.Context, product Product) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO products (id, sku, name, unit_label, lot_tracked, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
ON CONFLICT (id) DO UPDATE
SET sku=EXCLUDED.sku, name=EXCLUDED.name, unit_label=EXCLUDED.unit_label,
    lot_tracked=EXCLUDED.lot_tracked, is_active=EXCLUDED.is_active, updated_at=NOW()`,
			product.ID, product.SKU, product.Name, product.UnitLabel, product.LotTracked, product.IsActive)
		if err != nil {
			return err
		}
		return outbox.EnqueueTx(ctx, tx, outbox.EventProductUpsert, product)
	})
}

// GetWarehouse loads one warehouse.
func (r *Repository) GetWarehouse(ctx context.Context, id uuid.UUID) (Warehouse, error) {
	var w Warehouse
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, is_active, created_at FROM warehouses WHERE id=$1`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.IsActive, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, shared.ErrNotFound
		}
		return Warehouse{}, err
	}
	return w, nil
}

// ListWarehouses returns active warehouses ordered by code.
func (r *Repository) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, is_active, created_at FROM warehouses WHERE is_active ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var warehouses []Warehouse
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, rows.Err()
}

// CreateWarehouse inserts a warehouse.
func (r *Repository) CreateWarehouse(ctx context.Context, warehouse Warehouse) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO warehouses (id, code, name, is_active, created_at)
VALUES ($1, $2, $3, $4, NOW())`, warehouse.ID, warehouse.Code, warehouse.Name, warehouse.IsActive)
	return err
}
