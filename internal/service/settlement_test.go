package service

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/sanity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContentStore struct {
	mu          sync.Mutex
	orders      map[string]*models.Order // keyed by provider charge id
	prices      map[string]float64
	adjustments [][]models.StockDelta
	createErr   error
	adjustErr   error
	createCalls int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		orders: make(map[string]*models.Order),
		prices: make(map[string]float64),
	}
}

func (f *fakeContentStore) OrderByChargeID(_ context.Context, chargeID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[chargeID], nil
}

func (f *fakeContentStore) ProductPrices(_ context.Context, ids []string) ([]models.ProductPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []models.ProductPrice
	for _, id := range ids {
		if price, ok := f.prices[id]; ok {
			result = append(result, models.ProductPrice{ID: id, Price: price})
		}
	}
	return result, nil
}

func (f *fakeContentStore) CreateOrder(_ context.Context, order *models.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, exists := f.orders[order.ProviderChargeID]; exists {
		return "", sanity.ErrDocumentExists
	}
	stored := *order
	f.orders[order.ProviderChargeID] = &stored
	return order.ID, nil
}

func (f *fakeContentStore) AdjustStock(_ context.Context, deltas []models.StockDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adjustErr != nil {
		return f.adjustErr
	}
	f.adjustments = append(f.adjustments, deltas)
	return nil
}

type fakeIntentStore struct {
	mu          sync.Mutex
	intents     map[string]*models.StockIntent
	applied     map[string]bool
	deadLetters []models.DeadLetterEvent
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{
		intents: make(map[string]*models.StockIntent),
		applied: make(map[string]bool),
	}
}

func (f *fakeIntentStore) InsertStockIntent(_ context.Context, intent *models.StockIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.intents[intent.ChargeID]; !exists {
		stored := *intent
		f.intents[intent.ChargeID] = &stored
	}
	return nil
}

func (f *fakeIntentStore) MarkStockApplied(_ context.Context, chargeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[chargeID] = true
	return nil
}

func (f *fakeIntentStore) SaveDeadLetter(_ context.Context, event *models.DeadLetterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, *event)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.OrderSettledEvent
}

func (f *fakePublisher) PublishOrderSettled(_ context.Context, event *models.OrderSettledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func newTestSettlement() (*SettlementService, *fakeContentStore, *fakeIntentStore, *fakePublisher) {
	content := newFakeContentStore()
	intents := newFakeIntentStore()
	publisher := &fakePublisher{}
	return NewSettlementService(content, intents, publisher, nil), content, intents, publisher
}

func confirmedCharge(id string, metadata map[string]string, amount string) models.Charge {
	charge := models.Charge{
		ID:       id,
		Metadata: metadata,
	}
	if amount != "" {
		charge.Pricing = models.ChargePricing{
			Local: models.LocalPrice{Amount: amount, Currency: "GBP"},
		}
	}
	return charge
}

func TestSettleChargeMetadataRoundTrip(t *testing.T) {
	svc, content, intents, publisher := newTestSettlement()
	content.prices["P1"] = 10
	content.prices["P2"] = 20

	charge := confirmedCharge("CHG-RT", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "P1,P2",
		models.MetaQuantities: "2,3",
	}, "")

	err := svc.HandleChargeConfirmed(context.Background(), charge)
	require.NoError(t, err)

	order := content.orders["CHG-RT"]
	require.NotNil(t, order)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.Equal(t, 3, order.Items[1].Quantity)
	assert.Equal(t, "P1", order.Items[0].Product.Ref)
	assert.Equal(t, "P2", order.Items[1].Product.Ref)
	assert.Equal(t, 10.0, order.Items[0].PriceAtPurchase)
	assert.Equal(t, 20.0, order.Items[1].PriceAtPurchase)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, models.PaymentMethodCrypto, order.PaymentMethod)
	assert.Equal(t, "CHG-RT", order.ProviderChargeID)

	// No provider amount: total is the computed sum
	assert.Equal(t, 80.0, order.Total)

	require.Len(t, content.adjustments, 1)
	assert.Equal(t, []models.StockDelta{
		{ProductID: "P1", Delta: -2},
		{ProductID: "P2", Delta: -3},
	}, content.adjustments[0])

	assert.True(t, intents.applied["CHG-RT"])
	require.Len(t, publisher.events, 1)
	assert.Equal(t, order.OrderNumber, publisher.events[0].OrderNumber)
}

func TestSettleChargeDuplicateDelivery(t *testing.T) {
	svc, content, _, publisher := newTestSettlement()
	content.prices["p1"] = 79.99

	charge := confirmedCharge("CHG-1", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "p1",
		models.MetaQuantities: "1",
	}, "79.99")

	require.NoError(t, svc.HandleChargeConfirmed(context.Background(), charge))
	require.NoError(t, svc.HandleChargeConfirmed(context.Background(), charge))

	assert.Len(t, content.orders, 1)
	assert.Equal(t, 1, content.createCalls)
	assert.Len(t, content.adjustments, 1)
	assert.Len(t, publisher.events, 1)
}

func TestSettleChargeCreateRace(t *testing.T) {
	svc, content, _, publisher := newTestSettlement()
	content.prices["p1"] = 10
	content.createErr = sanity.ErrDocumentExists

	charge := confirmedCharge("CHG-RACE", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "p1",
		models.MetaQuantities: "1",
	}, "10.00")

	// Losing the create race is not an error and must not touch stock;
	// the winning delivery owns the decrement.
	err := svc.HandleChargeConfirmed(context.Background(), charge)
	require.NoError(t, err)
	assert.Empty(t, content.adjustments)
	assert.Empty(t, publisher.events)
}

func TestSettleChargeMissingProductFallback(t *testing.T) {
	svc, content, _, _ := newTestSettlement()
	content.prices["known"] = 15

	charge := confirmedCharge("CHG-MISS", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "known,ghost",
		models.MetaQuantities: "1,2",
	}, "")

	require.NoError(t, svc.HandleChargeConfirmed(context.Background(), charge))

	order := content.orders["CHG-MISS"]
	require.NotNil(t, order)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 15.0, order.Items[0].PriceAtPurchase)
	assert.Nil(t, order.Items[1].Product)
	assert.Equal(t, 0.0, order.Items[1].PriceAtPurchase)

	// Only the resolved product is decremented
	require.Len(t, content.adjustments, 1)
	assert.Equal(t, []models.StockDelta{{ProductID: "known", Delta: -1}}, content.adjustments[0])
}

func TestSettleChargeTotalPrecedence(t *testing.T) {
	svc, content, _, _ := newTestSettlement()
	content.prices["p1"] = 50

	charge := confirmedCharge("CHG-TOTAL", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "p1",
		models.MetaQuantities: "1",
	}, "100.00")

	require.NoError(t, svc.HandleChargeConfirmed(context.Background(), charge))

	// Provider-reported amount wins over the computed line sum
	assert.Equal(t, 100.0, content.orders["CHG-TOTAL"].Total)
}

func TestSettleChargeMalformedMetadata(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{
			name: "missing quantities",
			metadata: map[string]string{
				models.MetaUserID:     "u1",
				models.MetaProductIDs: "p1",
			},
		},
		{
			name: "missing user",
			metadata: map[string]string{
				models.MetaProductIDs: "p1",
				models.MetaQuantities: "1",
			},
		},
		{
			name: "length mismatch",
			metadata: map[string]string{
				models.MetaUserID:     "u1",
				models.MetaProductIDs: "p1,p2",
				models.MetaQuantities: "1",
			},
		},
		{
			name: "non-numeric quantity",
			metadata: map[string]string{
				models.MetaUserID:     "u1",
				models.MetaProductIDs: "p1",
				models.MetaQuantities: "lots",
			},
		},
		{
			name: "zero quantity",
			metadata: map[string]string{
				models.MetaUserID:     "u1",
				models.MetaProductIDs: "p1",
				models.MetaQuantities: "0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, content, intents, _ := newTestSettlement()

			err := svc.HandleChargeConfirmed(context.Background(),
				confirmedCharge("CHG-BAD", tt.metadata, ""))

			require.ErrorIs(t, err, ErrMalformedEvent)
			assert.Empty(t, content.orders)
			assert.Empty(t, content.adjustments)
			require.Len(t, intents.deadLetters, 1)
			assert.Equal(t, "CHG-BAD", intents.deadLetters[0].ChargeID)
		})
	}
}

func TestSettleChargeStockFailureKeepsIntentPending(t *testing.T) {
	svc, content, intents, _ := newTestSettlement()
	content.prices["p1"] = 10
	content.adjustErr = assert.AnError

	charge := confirmedCharge("CHG-STOCK", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "p1",
		models.MetaQuantities: "1",
	}, "10.00")

	err := svc.HandleChargeConfirmed(context.Background(), charge)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedEvent)

	// Order exists, intent recorded but not applied: the reconcile worker
	// picks it up
	assert.NotNil(t, content.orders["CHG-STOCK"])
	require.Contains(t, intents.intents, "CHG-STOCK")
	assert.False(t, intents.applied["CHG-STOCK"])
}

func TestParseItemLists(t *testing.T) {
	ids, quantities, err := ParseItemLists("p1,p2,p3", "1,2,3")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)
	assert.Equal(t, []int{1, 2, 3}, quantities)

	_, _, err = ParseItemLists("p1,p2", "1")
	assert.Error(t, err)

	_, _, err = ParseItemLists("p1", "one")
	assert.Error(t, err)

	_, _, err = ParseItemLists("p1", "-1")
	assert.Error(t, err)

	_, _, err = ParseItemLists(",", "1,1")
	assert.Error(t, err)
}

func TestNewOrderNumberFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD-[0-9A-Z]+-[0-9A-F]{4}$`)
	for i := 0; i < 10; i++ {
		number := newOrderNumber()
		assert.True(t, pattern.MatchString(number), "unexpected order number %q", number)
	}
}

func TestOrderDocIDDerivedFromCharge(t *testing.T) {
	svc, content, _, _ := newTestSettlement()
	content.prices["p1"] = 10

	charge := confirmedCharge("CHG-ID", map[string]string{
		models.MetaUserID:     "u1",
		models.MetaProductIDs: "p1",
		models.MetaQuantities: "1",
	}, "10.00")

	require.NoError(t, svc.HandleChargeConfirmed(context.Background(), charge))
	assert.Equal(t, "order-CHG-ID", content.orders["CHG-ID"].ID)
	assert.WithinDuration(t, time.Now(), content.orders["CHG-ID"].CreatedAt, time.Minute)
}
