package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePriceCache struct {
	mu      sync.Mutex
	payload []byte
	writes  int
}

func (f *fakePriceCache) CachedGoldPrice(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, nil
}

func (f *fakePriceCache) CacheGoldPrice(_ context.Context, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = payload
	f.writes++
	return nil
}

func TestCurrentPriceFetchesAndCaches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "USD", r.URL.Query().Get("base"))
		fmt.Fprint(w, `{"success": true, "timestamp": 1700000000, "rates": {"XAU": 65.0}}`)
	}))
	defer srv.Close()

	cache := &fakePriceCache{}
	svc := NewGoldPriceService("test-key", cache, 5*time.Minute)
	svc.apiBase = srv.URL

	price, err := svc.CurrentPrice(context.Background(), "USD")
	require.NoError(t, err)
	// 65 USD/gram scaled to troy ounces
	assert.InDelta(t, 65.0*31.1035, price.Price, 0.001)
	assert.Equal(t, "USD", price.Currency)
	assert.Equal(t, "oz", price.Unit)
	assert.Equal(t, 1, cache.writes)

	// Second call is served from cache
	_, err = svc.CurrentPrice(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestCurrentPriceFallsBackOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewGoldPriceService("test-key", nil, 5*time.Minute)
	svc.apiBase = srv.URL

	price, err := svc.CurrentPrice(context.Background(), "GBP")
	require.NoError(t, err)
	assert.InDelta(t, 2050.0*0.79, price.Price, 0.001)
	assert.Equal(t, "GBP", price.Currency)
}

func TestCurrentPriceWithoutAPIKey(t *testing.T) {
	svc := NewGoldPriceService("", nil, 5*time.Minute)

	price, err := svc.CurrentPrice(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 2050.0, price.Price)
}

func TestConvertPrice(t *testing.T) {
	assert.Equal(t, 100.0, ConvertPrice(100, "USD", "USD"))
	assert.InDelta(t, 79.0, ConvertPrice(100, "USD", "GBP"), 0.001)
	assert.InDelta(t, 92.0, ConvertPrice(100, "USD", "EUR"), 0.001)
	// Unknown currency passes through
	assert.Equal(t, 100.0, ConvertPrice(100, "USD", "JPY"))
}

func TestCalculateGoldProductPrice(t *testing.T) {
	// One troy ounce of 24k at spot 2000 with no premium
	price := CalculateGoldProductPrice(2000, 31.1035, "g", "24k", 0)
	assert.InDelta(t, 2000*0.999, price, 0.001)

	// Premium applies on top of the purity-adjusted base
	price = CalculateGoldProductPrice(2000, 1, "oz", "22k", 10)
	assert.InDelta(t, 2000*0.916*1.1, price, 0.001)

	// Kilograms scale through grams
	price = CalculateGoldProductPrice(2000, 0.001, "kg", "24k", 0)
	assert.InDelta(t, CalculateGoldProductPrice(2000, 1, "g", "24k", 0), price, 0.0001)

	// Unknown purity defaults to pure
	price = CalculateGoldProductPrice(2000, 1, "oz", "mystery", 0)
	assert.Equal(t, 2000.0, price)
}
