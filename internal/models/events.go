package models

import "time"

// Event types published to the order events topic
const (
	EventTypeOrderSettled = "ORDER_SETTLED"
)

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderSettledEvent is published after a confirmed charge has been
// converted into an order document. Downstream consumers (fulfilment,
// notification) react to it; settlement itself never depends on delivery.
type OrderSettledEvent struct {
	BaseEvent
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	ChargeID      string        `json:"charge_id"`
	PaymentMethod string        `json:"payment_method"`
	Total         float64       `json:"total"`
	Items         []SettledItem `json:"items"`
}

// SettledItem is item data carried in settlement events.
type SettledItem struct {
	ProductID       string  `json:"product_id,omitempty"`
	Quantity        int     `json:"quantity"`
	PriceAtPurchase float64 `json:"price_at_purchase"`
}
