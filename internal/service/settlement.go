package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/sanity"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a verified charge whose metadata cannot be
// settled. Redelivery will not fix it, so the HTTP layer acknowledges the
// provider with 200 after the event has been dead-lettered.
var ErrMalformedEvent = errors.New("malformed charge event")

const settledMarkerTTL = 24 * time.Hour

// ContentStore is the document-store capability set settlement needs.
// sanity.Client is the production implementation; tests substitute an
// in-memory fake.
type ContentStore interface {
	OrderByChargeID(ctx context.Context, chargeID string) (*models.Order, error)
	ProductPrices(ctx context.Context, ids []string) ([]models.ProductPrice, error)
	// CreateOrder must fail with sanity.ErrDocumentExists when a document
	// with order.ID already exists, so concurrent deliveries of one charge
	// are arbitrated by the store rather than by check-then-act.
	CreateOrder(ctx context.Context, order *models.Order) (string, error)
	AdjustStock(ctx context.Context, deltas []models.StockDelta) error
}

// IntentStore persists stock intents and dead-lettered events.
type IntentStore interface {
	InsertStockIntent(ctx context.Context, intent *models.StockIntent) error
	MarkStockApplied(ctx context.Context, chargeID string) error
	SaveDeadLetter(ctx context.Context, event *models.DeadLetterEvent) error
}

// SettledPublisher publishes domain events for downstream consumers.
type SettledPublisher interface {
	PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error
}

// DedupCache is an optional fast path for duplicate deliveries. Failures
// are tolerated; the content store remains the source of truth.
type DedupCache interface {
	ChargeSettled(ctx context.Context, chargeID string) (bool, error)
	MarkChargeSettled(ctx context.Context, chargeID string, ttl time.Duration) error
}

// SettlementService converts confirmed charges into order documents and
// applies their inventory effects.
type SettlementService struct {
	content   ContentStore
	intents   IntentStore
	publisher SettledPublisher
	cache     DedupCache
	logger    *zap.Logger
}

// NewSettlementService creates a new settlement service. cache may be nil.
func NewSettlementService(
	content ContentStore,
	intents IntentStore,
	publisher SettledPublisher,
	cache DedupCache,
) *SettlementService {
	return &SettlementService{
		content:   content,
		intents:   intents,
		publisher: publisher,
		cache:     cache,
		logger:    util.GetLogger(),
	}
}

// HandleChargeConfirmed settles one confirmed charge. It is safe to call
// any number of times for the same charge: at most one order is created and
// stock is decremented once. Unexpected store errors are returned so the
// HTTP layer answers 500 and the provider redelivers.
func (s *SettlementService) HandleChargeConfirmed(ctx context.Context, charge models.Charge) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandleChargeConfirmed")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	if charge.ID == "" {
		s.deadLetter(ctx, charge, "charge id missing")
		return fmt.Errorf("charge without id: %w", ErrMalformedEvent)
	}

	if s.alreadySettled(ctx, charge.ID) {
		return nil
	}

	existing, err := s.content.OrderByChargeID(ctx, charge.ID)
	if err != nil {
		util.SettlementFailedTotal.WithLabelValues("store_query").Inc()
		return fmt.Errorf("failed to check existing order: %w", err)
	}
	if existing != nil {
		s.logger.Info("Charge already settled, skipping",
			zap.String("charge_id", charge.ID),
			zap.String("order_number", existing.OrderNumber))
		util.DuplicateChargesTotal.Inc()
		s.markSettled(ctx, charge.ID)
		return nil
	}

	userID := charge.Metadata[models.MetaUserID]
	rawIDs := charge.Metadata[models.MetaProductIDs]
	rawQuantities := charge.Metadata[models.MetaQuantities]
	if userID == "" || rawIDs == "" || rawQuantities == "" {
		s.deadLetter(ctx, charge, "missing required metadata")
		return fmt.Errorf("charge %s missing required metadata: %w", charge.ID, ErrMalformedEvent)
	}

	productIDs, quantities, err := ParseItemLists(rawIDs, rawQuantities)
	if err != nil {
		s.deadLetter(ctx, charge, err.Error())
		return fmt.Errorf("charge %s: %v: %w", charge.ID, err, ErrMalformedEvent)
	}

	items, resolved, err := s.buildLineItems(ctx, charge.ID, productIDs, quantities)
	if err != nil {
		util.SettlementFailedTotal.WithLabelValues("price_lookup").Inc()
		return err
	}

	order := &models.Order{
		ID:               orderDocID(charge.ID),
		Type:             models.DocTypeOrder,
		OrderNumber:      newOrderNumber(),
		ClerkUserID:      userID,
		Email:            charge.Metadata[models.MetaUserEmail],
		Items:            items,
		Total:            s.resolveTotal(charge, items),
		Status:           models.OrderStatusPaid,
		PaymentMethod:    models.PaymentMethodCrypto,
		ProviderChargeID: charge.ID,
		CryptoCurrency:   cryptoCurrency(charge),
		CreatedAt:        time.Now().UTC(),
	}
	if customerID := charge.Metadata[models.MetaCustomerID]; customerID != "" {
		order.Customer = &models.Reference{Type: "reference", Ref: customerID}
	}

	docID, err := s.content.CreateOrder(ctx, order)
	if err != nil {
		if errors.Is(err, sanity.ErrDocumentExists) {
			// Lost the create race to a concurrent delivery; the winner
			// owns the stock decrement.
			s.logger.Info("Order already created by concurrent delivery",
				zap.String("charge_id", charge.ID))
			util.DuplicateChargesTotal.Inc()
			return nil
		}
		util.SettlementFailedTotal.WithLabelValues("order_create").Inc()
		return fmt.Errorf("failed to create order for charge %s: %w", charge.ID, err)
	}

	s.logger.Info("Order created",
		zap.String("order_id", docID),
		zap.String("order_number", order.OrderNumber),
		zap.String("charge_id", charge.ID))

	if err := s.applyStock(ctx, charge.ID, resolved); err != nil {
		util.SettlementFailedTotal.WithLabelValues("stock_transaction").Inc()
		return err
	}

	s.publishSettled(ctx, docID, order)
	s.markSettled(ctx, charge.ID)
	util.OrdersSettledTotal.Inc()

	s.logger.Info("Charge settled",
		zap.String("charge_id", charge.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Float64("total", order.Total),
		zap.Int("items", len(order.Items)))
	return nil
}

// buildLineItems resolves catalog prices in one batch query and assembles
// the order's line items. Products missing from the catalog settle with a
// zero price instead of blocking the order.
func (s *SettlementService) buildLineItems(
	ctx context.Context,
	chargeID string,
	productIDs []string,
	quantities []int,
) ([]models.OrderItem, []models.StockDelta, error) {
	prices, err := s.content.ProductPrices(ctx, productIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve product prices: %w", err)
	}

	priceMap := make(map[string]float64, len(prices))
	for _, p := range prices {
		priceMap[p.ID] = p.Price
	}

	items := make([]models.OrderItem, 0, len(productIDs))
	resolved := make([]models.StockDelta, 0, len(productIDs))
	for i, productID := range productIDs {
		item := models.OrderItem{
			Key:      fmt.Sprintf("item-%d", i),
			Quantity: quantities[i],
		}
		if price, ok := priceMap[productID]; ok {
			item.Product = models.ProductRef(productID)
			item.PriceAtPurchase = price
			resolved = append(resolved, models.StockDelta{ProductID: productID, Delta: -quantities[i]})
		} else {
			util.MissingProductFallbacks.Inc()
			s.logger.Warn("Product not found in catalog, settling with zero price",
				zap.String("charge_id", chargeID),
				zap.String("product_id", productID))
		}
		items = append(items, item)
	}

	return items, resolved, nil
}

// resolveTotal prefers the provider-reported amount, which is what was
// actually collected; the computed sum only covers its absence.
func (s *SettlementService) resolveTotal(charge models.Charge, items []models.OrderItem) float64 {
	if amount := charge.Pricing.Local.Amount; amount != "" {
		total, err := strconv.ParseFloat(amount, 64)
		if err == nil {
			return total
		}
		s.logger.Warn("Unparseable charge amount, falling back to computed sum",
			zap.String("charge_id", charge.ID),
			zap.String("amount", amount))
	}

	var sum float64
	for _, item := range items {
		sum += item.PriceAtPurchase * float64(item.Quantity)
	}
	return sum
}

// applyStock records the decrement intent, runs the atomic stock
// transaction, and marks the intent applied. If the transaction fails the
// intent stays pending and the reconcile worker re-drives it.
func (s *SettlementService) applyStock(ctx context.Context, chargeID string, deltas []models.StockDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	intent := &models.StockIntent{
		ChargeID:   chargeID,
		ProductIDs: joinProductIDs(deltas),
		Quantities: joinQuantities(deltas),
	}
	if err := s.intents.InsertStockIntent(ctx, intent); err != nil {
		return fmt.Errorf("failed to record stock intent for charge %s: %w", chargeID, err)
	}

	if err := s.content.AdjustStock(ctx, deltas); err != nil {
		return fmt.Errorf("stock transaction failed for charge %s: %w", chargeID, err)
	}

	if err := s.intents.MarkStockApplied(ctx, chargeID); err != nil {
		// The decrement committed; worst case the reconciler re-applies it.
		s.logger.Error("Failed to mark stock intent applied",
			zap.String("charge_id", chargeID),
			zap.Error(err))
	}

	s.logger.Info("Stock updated",
		zap.String("charge_id", chargeID),
		zap.Int("products", len(deltas)))
	return nil
}

func (s *SettlementService) publishSettled(ctx context.Context, docID string, order *models.Order) {
	if s.publisher == nil {
		return
	}

	event := &models.OrderSettledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderSettled,
			Timestamp: time.Now(),
		},
		OrderID:       docID,
		OrderNumber:   order.OrderNumber,
		ChargeID:      order.ProviderChargeID,
		PaymentMethod: order.PaymentMethod,
		Total:         order.Total,
	}
	for _, item := range order.Items {
		settled := models.SettledItem{
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
		}
		if item.Product != nil {
			settled.ProductID = item.Product.Ref
		}
		event.Items = append(event.Items, settled)
	}

	if err := s.publisher.PublishOrderSettled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderSettled event",
			zap.String("charge_id", order.ProviderChargeID),
			zap.Error(err))
	}
}

func (s *SettlementService) alreadySettled(ctx context.Context, chargeID string) bool {
	if s.cache == nil {
		return false
	}
	settled, err := s.cache.ChargeSettled(ctx, chargeID)
	if err != nil {
		s.logger.Warn("Dedup cache lookup failed", zap.Error(err))
		return false
	}
	if settled {
		s.logger.Info("Charge already settled (cache), skipping",
			zap.String("charge_id", chargeID))
		util.DuplicateChargesTotal.Inc()
	}
	return settled
}

func (s *SettlementService) markSettled(ctx context.Context, chargeID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.MarkChargeSettled(ctx, chargeID, settledMarkerTTL); err != nil {
		s.logger.Warn("Failed to mark charge settled in cache", zap.Error(err))
	}
}

func (s *SettlementService) deadLetter(ctx context.Context, charge models.Charge, reason string) {
	util.MalformedEventsTotal.Inc()
	s.logger.Error("Malformed charge event",
		zap.String("charge_id", charge.ID),
		zap.String("reason", reason))

	payload, err := json.Marshal(charge)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"id":%q}`, charge.ID))
	}
	if err := s.intents.SaveDeadLetter(ctx, &models.DeadLetterEvent{
		ChargeID: charge.ID,
		Reason:   reason,
		Payload:  payload,
	}); err != nil {
		s.logger.Error("Failed to save dead letter",
			zap.String("charge_id", charge.ID),
			zap.Error(err))
	}
}

// ParseItemLists decodes the comma-joined product id and quantity lists
// from charge metadata into parallel slices of equal length.
func ParseItemLists(rawIDs, rawQuantities string) ([]string, []int, error) {
	ids := strings.Split(rawIDs, ",")
	quantityStrs := strings.Split(rawQuantities, ",")
	if len(ids) != len(quantityStrs) {
		return nil, nil, fmt.Errorf("product and quantity lists have different lengths (%d vs %d)",
			len(ids), len(quantityStrs))
	}

	quantities := make([]int, len(quantityStrs))
	for i, qs := range quantityStrs {
		qty, err := strconv.Atoi(strings.TrimSpace(qs))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid quantity %q", qs)
		}
		if qty <= 0 {
			return nil, nil, fmt.Errorf("quantity must be positive, got %d", qty)
		}
		ids[i] = strings.TrimSpace(ids[i])
		if ids[i] == "" {
			return nil, nil, fmt.Errorf("empty product id at position %d", i)
		}
		quantities[i] = qty
	}
	return ids, quantities, nil
}

// orderDocID derives the order document id from the provider charge id so
// the store's create semantics enforce at most one order per charge.
func orderDocID(chargeID string) string {
	return "order-" + chargeID
}

// newOrderNumber generates a human-legible order number: millisecond
// timestamp in base36 plus a random suffix to survive concurrent
// settlements in the same millisecond.
func newOrderNumber() string {
	ts := strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36))
	suffix := strings.ToUpper(uuid.New().String()[:4])
	return fmt.Sprintf("ORD-%s-%s", ts, suffix)
}

func cryptoCurrency(charge models.Charge) string {
	if c := charge.Pricing.Local.Currency; c != "" {
		return c
	}
	return "CRYPTO"
}

func joinProductIDs(deltas []models.StockDelta) string {
	ids := make([]string, len(deltas))
	for i, d := range deltas {
		ids[i] = d.ProductID
	}
	return strings.Join(ids, ",")
}

func joinQuantities(deltas []models.StockDelta) string {
	quantities := make([]string, len(deltas))
	for i, d := range deltas {
		quantities[i] = strconv.Itoa(-d.Delta)
	}
	return strings.Join(quantities, ",")
}
