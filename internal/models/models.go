package models

import "time"

// Charge event types delivered by the crypto payment provider webhook.
const (
	EventChargeConfirmed = "charge:confirmed"
	EventChargeFailed    = "charge:failed"
)

// Metadata keys attached at charge-creation time. The provider's metadata
// channel only carries flat string values, so multi-item carts are encoded
// as comma-joined lists.
const (
	MetaUserID     = "clerkUserId"
	MetaUserEmail  = "userEmail"
	MetaCustomerID = "sanityCustomerId"
	MetaProductIDs = "productIds"
	MetaQuantities = "quantities"
)

// ChargeEvent is the webhook envelope. It must only be parsed after the
// raw body passed signature verification.
type ChargeEvent struct {
	Type string `json:"type"`
	Data Charge `json:"data"`
}

// Charge is the provider-side payment record carried in a webhook event.
type Charge struct {
	ID       string            `json:"id"`
	Code     string            `json:"code,omitempty"`
	Metadata map[string]string `json:"metadata"`
	Pricing  ChargePricing     `json:"pricing"`
}

type ChargePricing struct {
	Local LocalPrice `json:"local"`
}

// LocalPrice is the amount the provider actually collected, in the
// storefront's display currency. Amount arrives as a decimal string.
type LocalPrice struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFailed    = "failed"
	OrderStatusCancelled = "cancelled"
)

// Payment methods
const (
	PaymentMethodCard   = "card"
	PaymentMethodCrypto = "crypto"
)

// Document types in the content store.
const (
	DocTypeOrder     = "order"
	DocTypeGoldOrder = "digitalGoldOrder"
)

// Reference is a content-store pointer to another document.
type Reference struct {
	Type string `json:"_type"`
	Ref  string `json:"_ref"`
}

// ProductRef builds a reference to a product document.
func ProductRef(productID string) *Reference {
	return &Reference{Type: "reference", Ref: productID}
}

// Order is the durable settlement record persisted to the content store.
// At most one order exists per provider charge id; settlement enforces this
// by deriving the document id from the charge id.
type Order struct {
	ID               string      `json:"_id,omitempty"`
	Type             string      `json:"_type"`
	OrderNumber      string      `json:"orderNumber"`
	ClerkUserID      string      `json:"clerkUserId,omitempty"`
	Customer         *Reference  `json:"customer,omitempty"`
	Email            string      `json:"email,omitempty"`
	Items            []OrderItem `json:"items"`
	Total            float64     `json:"total"`
	Status           string      `json:"status"`
	PaymentMethod    string      `json:"paymentMethod"`
	ProviderChargeID string      `json:"providerChargeId,omitempty"`
	CryptoCurrency   string      `json:"cryptoCurrency,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// OrderItem is one product/quantity/price tuple within an order. Product is
// nil when the metadata did not resolve to a known catalog product.
// PriceAtPurchase is captured at settlement time and never recomputed.
type OrderItem struct {
	Key             string     `json:"_key"`
	Product         *Reference `json:"product,omitempty"`
	Quantity        int        `json:"quantity"`
	PriceAtPurchase float64    `json:"priceAtPurchase"`
}

// ProductPrice is the result row of the catalog batch price lookup.
type ProductPrice struct {
	ID    string  `json:"_id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// StockDelta is a signed adjustment to one product's stock counter.
// Negative for a sale, positive for a restock.
type StockDelta struct {
	ProductID string
	Delta     int
}

// StockIntent records that a settled order still owes an inventory
// decrement. Inserted after the order document is created and marked
// applied once the stock transaction commits, so a crash between the two
// can be repaired by the reconcile worker.
type StockIntent struct {
	ChargeID   string     `db:"charge_id"`
	ProductIDs string     `db:"product_ids"`
	Quantities string     `db:"quantities"`
	Applied    bool       `db:"applied"`
	CreatedAt  time.Time  `db:"created_at"`
	AppliedAt  *time.Time `db:"applied_at"`
}

// DeadLetterEvent is a verified webhook event that could not be settled
// because its metadata was missing or inconsistent. Kept for operator
// review since the provider is told 200 and will not redeliver.
type DeadLetterEvent struct {
	ID         int64     `db:"id"`
	ChargeID   string    `db:"charge_id"`
	Reason     string    `db:"reason"`
	Payload    []byte    `db:"payload"`
	ReceivedAt time.Time `db:"received_at"`
}
