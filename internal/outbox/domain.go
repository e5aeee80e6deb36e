package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	// StatusPending marks a freshly enqueued event.
	StatusPending Status = "PENDING"
	// StatusSent is terminal: the event was delivered and is never retried.
	StatusSent Status = "SENT"
	// StatusFailed marks an event awaiting its next retry.
	StatusFailed Status = "FAILED"
	// StatusDead is terminal: the event exhausted its attempt budget.
	StatusDead Status = "DEAD"
)

// Event types delivered to the sales system.
const (
	EventProductUpsert = "product.upsert"
)

// Event is a transactionally enqueued integration event. It is created in
// the same transaction as the write that produced it and mutated only by
// the dispatcher afterwards.
type Event struct {
	ID          uuid.UUID
	Type        string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	SentAt      time.Time
}
