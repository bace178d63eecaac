package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storefront/internal/util"

	"go.uber.org/zap"
)

const (
	metalPriceAPIBase = "https://api.metalpriceapi.com/v1"
	gramsPerTroyOunce = 31.1035
	fallbackSpotPrice = 2050.0
)

// Static conversion rates for display currencies. The spot feed quotes USD.
var exchangeRates = map[string]float64{
	"GBP": 0.79,
	"EUR": 0.92,
}

// Purity multipliers for karat grades.
var purityMultipliers = map[string]float64{
	"24k": 0.999,
	"22k": 0.916,
	"18k": 0.75,
	"14k": 0.583,
}

// SpotPrice is the current gold price per troy ounce.
type SpotPrice struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Unit      string  `json:"unit"`
}

// PriceCache caches spot price payloads between upstream fetches.
type PriceCache interface {
	CachedGoldPrice(ctx context.Context) ([]byte, error)
	CacheGoldPrice(ctx context.Context, payload []byte, ttl time.Duration) error
}

// GoldPriceService fetches the gold spot price from the metals price API,
// with a Redis cache in front and a static fallback behind.
type GoldPriceService struct {
	httpClient *http.Client
	cache      PriceCache
	apiKey     string
	apiBase    string
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// NewGoldPriceService creates a new gold price service. cache may be nil.
func NewGoldPriceService(apiKey string, cache PriceCache, cacheTTL time.Duration) *GoldPriceService {
	return &GoldPriceService{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
		apiKey:     apiKey,
		apiBase:    metalPriceAPIBase,
		cacheTTL:   cacheTTL,
		logger:     util.GetLogger(),
	}
}

// CurrentPrice returns the gold spot price converted to the requested
// currency. Upstream failures degrade to the static fallback price rather
// than erroring: the storefront can always render a price.
func (g *GoldPriceService) CurrentPrice(ctx context.Context, currency string) (*SpotPrice, error) {
	if cached := g.fromCache(ctx); cached != nil {
		return convertSpotPrice(cached, currency), nil
	}

	price, err := g.fetchSpotPrice(ctx)
	if err != nil {
		util.GoldPriceFetchFailures.Inc()
		g.logger.Warn("Spot price fetch failed, using fallback", zap.Error(err))
		price = fallbackPrice()
	} else {
		g.toCache(ctx, price)
	}

	return convertSpotPrice(price, currency), nil
}

func (g *GoldPriceService) fetchSpotPrice(ctx context.Context) (*SpotPrice, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("metal price API key not configured")
	}

	endpoint := fmt.Sprintf("%s/latest?api_key=%s&base=USD&currencies=XAU", g.apiBase, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spot price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spot price API returned %d", resp.StatusCode)
	}

	var payload struct {
		Success   bool               `json:"success"`
		Timestamp int64              `json:"timestamp"`
		Rates     map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode spot price response: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("spot price API reported failure")
	}

	perGram, ok := payload.Rates["XAU"]
	if !ok || perGram <= 0 {
		return nil, fmt.Errorf("gold rate missing from spot price response")
	}

	ts := payload.Timestamp * 1000
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	// The API quotes USD per gram; the storefront prices per troy ounce.
	return &SpotPrice{
		Timestamp: ts,
		Price:     perGram * gramsPerTroyOunce,
		Currency:  "USD",
		Unit:      "oz",
	}, nil
}

func (g *GoldPriceService) fromCache(ctx context.Context) *SpotPrice {
	if g.cache == nil {
		return nil
	}
	payload, err := g.cache.CachedGoldPrice(ctx)
	if err != nil {
		g.logger.Warn("Spot price cache read failed", zap.Error(err))
		return nil
	}
	if payload == nil {
		return nil
	}
	var price SpotPrice
	if err := json.Unmarshal(payload, &price); err != nil {
		return nil
	}
	return &price
}

func (g *GoldPriceService) toCache(ctx context.Context, price *SpotPrice) {
	if g.cache == nil {
		return
	}
	payload, err := json.Marshal(price)
	if err != nil {
		return
	}
	if err := g.cache.CacheGoldPrice(ctx, payload, g.cacheTTL); err != nil {
		g.logger.Warn("Spot price cache write failed", zap.Error(err))
	}
}

func fallbackPrice() *SpotPrice {
	return &SpotPrice{
		Timestamp: time.Now().UnixMilli(),
		Price:     fallbackSpotPrice,
		Currency:  "USD",
		Unit:      "oz",
	}
}

func convertSpotPrice(price *SpotPrice, currency string) *SpotPrice {
	converted := *price
	converted.Price = ConvertPrice(price.Price, price.Currency, currency)
	converted.Currency = currency
	return &converted
}

// ConvertPrice converts a USD spot price to a display currency using the
// static rate table. Unknown currencies pass the price through unchanged.
func ConvertPrice(price float64, from, to string) float64 {
	if from == to {
		return price
	}
	if from == "USD" {
		if rate, ok := exchangeRates[to]; ok {
			return price * rate
		}
	}
	return price
}

// CalculateGoldProductPrice prices a physical gold product from the spot
// price, its weight, purity grade and dealer premium percentage.
func CalculateGoldProductPrice(spotPrice, weight float64, weightUnit, purity string, premiumPct float64) float64 {
	weightInOz := weight
	switch weightUnit {
	case "g":
		weightInOz = weight / gramsPerTroyOunce
	case "kg":
		weightInOz = weight * 1000 / gramsPerTroyOunce
	}

	purityFactor, ok := purityMultipliers[purity]
	if !ok {
		purityFactor = 1
	}

	basePrice := spotPrice * weightInOz * purityFactor
	return basePrice * (1 + premiumPct/100)
}
