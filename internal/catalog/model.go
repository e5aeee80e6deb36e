package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Product is a catalog entry. The ledger references products by id and
// trusts the catalog for identity; every product mutation is propagated to
// the sales system through the outbox.
type Product struct {
	ID         uuid.UUID `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	UnitLabel  string    `json:"unit_label"`
	LotTracked bool      `json:"lot_tracked"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Warehouse is a physical stock location.
type Warehouse struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
