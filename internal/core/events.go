package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventStockUpdated     EventType = "stock.updated"
	EventStockLow         EventType = "stock.low"
	EventPurchaseReceived EventType = "purchase.received"
	EventSaleCompleted    EventType = "sale.completed"
)

// Event is a transient domain message carrying a snapshot of the affected
// entity plus an action tag. Events are published only after the mutating
// transaction commits; the ledger itself never persists them.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	TenantID   int       `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Stock mutation actions carried by StockUpdated events.
const (
	ActionReceived = "received"
	ActionSold     = "sold"
	ActionReserved = "reserved"
	ActionReleased = "released"
	ActionAdjusted = "adjusted"
)

type StockUpdatedPayload struct {
	Stock       Stock           `json:"stock"`
	ProductCode string          `json:"product_code"`
	ProductName string          `json:"product_name"`
	Action      string          `json:"action"`
	Delta       decimal.Decimal `json:"delta"`
}

type StockLowPayload struct {
	Stock       Stock           `json:"stock"`
	ProductCode string          `json:"product_code"`
	ProductName string          `json:"product_name"`
	Available   decimal.Decimal `json:"available"`
	MinStock    decimal.Decimal `json:"min_stock"`
}

type PurchaseReceivedPayload struct {
	Purchase  Purchase       `json:"purchase"`
	Lines     []PurchaseLine `json:"lines"`
	ActorID   *int           `json:"actor_id,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
}

type SaleCompletedPayload struct {
	Sale     Sale       `json:"sale"`
	Lines    []SaleLine `json:"lines"`
	ActorID  *int       `json:"actor_id,omitempty"`
	SourceIP string     `json:"source_ip,omitempty"`
}

// NewEvent stamps a fresh event envelope around a payload.
func NewEvent(t EventType, tenantID int, payload any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
