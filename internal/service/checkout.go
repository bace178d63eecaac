package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	stripe "github.com/stripe/stripe-go/v74"
	stripeclient "github.com/stripe/stripe-go/v74/client"
	"go.uber.org/zap"
)

const coinbaseAPIBase = "https://api.commerce.coinbase.com"

// CheckoutItem is one cart line presented to a payment provider.
type CheckoutItem struct {
	ProductID   string  `json:"product_id" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price" binding:"required"`
	Quantity    int     `json:"quantity" binding:"required,min=1"`
}

// CheckoutRequest carries the cart and identity context for a checkout
// session with either provider.
type CheckoutRequest struct {
	Items      []CheckoutItem `json:"items" binding:"required,min=1"`
	UserID     string         `json:"user_id" binding:"required"`
	Email      string         `json:"email,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	SuccessURL string         `json:"success_url,omitempty"`
	CancelURL  string         `json:"cancel_url,omitempty"`
}

// CryptoCharge is the created crypto checkout, redirected to HostedURL.
type CryptoCharge struct {
	ID        string `json:"charge_id"`
	Code      string `json:"charge_code"`
	HostedURL string `json:"url"`
}

// CardCheckout is the created hosted card checkout session.
type CardCheckout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CheckoutService creates provider checkout sessions and confirms
// completed card sessions into order documents.
type CheckoutService struct {
	stripe         *stripeclient.API
	content        ContentStore
	httpClient     *http.Client
	coinbaseAPIKey string
	coinbaseBase   string
	baseURL        string
	logger         *zap.Logger
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(stripeSecretKey, coinbaseAPIKey, baseURL string, content ContentStore) *CheckoutService {
	sc := &stripeclient.API{}
	sc.Init(stripeSecretKey, nil)

	return &CheckoutService{
		stripe:         sc,
		content:        content,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		coinbaseAPIKey: coinbaseAPIKey,
		coinbaseBase:   coinbaseAPIBase,
		baseURL:        baseURL,
		logger:         util.GetLogger(),
	}
}

// EncodeChargeMetadata flattens the cart into the provider's string-only
// metadata channel. The webhook settlement handler decodes the same codec.
func EncodeChargeMetadata(req *CheckoutRequest) map[string]string {
	ids := make([]string, len(req.Items))
	quantities := make([]string, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.ProductID
		quantities[i] = strconv.Itoa(item.Quantity)
	}

	metadata := map[string]string{
		models.MetaUserID:     req.UserID,
		models.MetaProductIDs: strings.Join(ids, ","),
		models.MetaQuantities: strings.Join(quantities, ","),
		"paymentProvider":     "coinbase",
	}
	if req.Email != "" {
		metadata[models.MetaUserEmail] = req.Email
	}
	if req.CustomerID != "" {
		metadata[models.MetaCustomerID] = req.CustomerID
	}
	return metadata
}

// CreateCryptoCharge creates a fixed-price charge with the crypto payment
// provider and returns the hosted payment page.
func (cs *CheckoutService) CreateCryptoCharge(ctx context.Context, req *CheckoutRequest) (*CryptoCharge, error) {
	if cs.coinbaseAPIKey == "" {
		return nil, fmt.Errorf("crypto payment provider not configured")
	}

	var total float64
	for _, item := range req.Items {
		total += item.Price * float64(item.Quantity)
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = cs.baseURL + "/checkout/success"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = cs.baseURL + "/checkout"
	}

	chargeReq := map[string]interface{}{
		"name":         "Gold Purchase",
		"description":  fmt.Sprintf("Purchase of %d item(s)", len(req.Items)),
		"pricing_type": "fixed_price",
		"local_price": map[string]string{
			"amount":   fmt.Sprintf("%.2f", total),
			"currency": "GBP",
		},
		"metadata":     EncodeChargeMetadata(req),
		"redirect_url": successURL,
		"cancel_url":   cancelURL,
	}

	payload, err := json.Marshal(chargeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cs.coinbaseBase+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", cs.coinbaseAPIKey)
	httpReq.Header.Set("X-CC-Version", "2018-03-22")

	resp, err := cs.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("charge creation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return nil, fmt.Errorf("charge creation rejected: %s", apiErr.Error.Message)
		}
		return nil, fmt.Errorf("charge creation returned %d", resp.StatusCode)
	}

	var chargeResp struct {
		Data struct {
			ID        string `json:"id"`
			Code      string `json:"code"`
			HostedURL string `json:"hosted_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chargeResp); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}

	cs.logger.Info("Crypto charge created",
		zap.String("charge_id", chargeResp.Data.ID),
		zap.Float64("total", total))

	return &CryptoCharge{
		ID:        chargeResp.Data.ID,
		Code:      chargeResp.Data.Code,
		HostedURL: chargeResp.Data.HostedURL,
	}, nil
}

// CreateCardCheckout creates a hosted card checkout session.
func (cs *CheckoutService) CreateCardCheckout(ctx context.Context, req *CheckoutRequest) (*CardCheckout, error) {
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = cs.baseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = cs.baseURL + "/checkout"
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name:     stripe.String(item.Name),
			Metadata: map[string]string{"productId": item.ProductID},
		}
		if item.Description != "" {
			productData.Description = stripe.String(item.Description)
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(string(stripe.CurrencyGBP)),
				ProductData: productData,
				// Card amounts are integral pence
				UnitAmount: stripe.Int64(int64(math.Round(item.Price * 100))),
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          lineItems,
		SuccessURL:         stripe.String(successURL),
		CancelURL:          stripe.String(cancelURL),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("paymentProvider", "stripe")
	params.AddMetadata(models.MetaUserID, req.UserID)

	session, err := cs.stripe.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	cs.logger.Info("Card checkout session created", zap.String("session_id", session.ID))

	return &CardCheckout{SessionID: session.ID, URL: session.URL}, nil
}

// ConfirmGoldCheckout retrieves a completed card checkout session and
// persists it as a digital-gold order document. Returns the created order
// document id.
func (cs *CheckoutService) ConfirmGoldCheckout(ctx context.Context, sessionID string) (string, error) {
	session, err := cs.stripe.CheckoutSessions.Get(sessionID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve checkout session: %w", err)
	}

	listParams := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	listParams.AddExpand("data.price.product")

	var items []models.OrderItem
	iter := cs.stripe.CheckoutSessions.ListLineItems(listParams)
	for iter.Next() {
		li := iter.LineItem()
		item := models.OrderItem{
			Key:             fmt.Sprintf("item-%d", len(items)),
			Quantity:        int(li.Quantity),
			PriceAtPurchase: float64(li.AmountTotal) / 100,
		}
		// Resolve the catalog reference by SKU when the product carries one
		if li.Price != nil && li.Price.Product != nil {
			if sku := li.Price.Product.Metadata["sku"]; sku != "" {
				item.Product = models.ProductRef(sku)
			}
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("failed to list session line items: %w", err)
	}

	order := &models.Order{
		Type:          models.DocTypeGoldOrder,
		OrderNumber:   session.ID,
		Items:         items,
		Total:         float64(session.AmountTotal) / 100,
		Status:        string(session.PaymentStatus),
		PaymentMethod: models.PaymentMethodCard,
		CreatedAt:     time.Now().UTC(),
	}
	if session.CustomerDetails != nil {
		order.Email = session.CustomerDetails.Email
	}

	docID, err := cs.content.CreateOrder(ctx, order)
	if err != nil {
		return "", fmt.Errorf("failed to persist gold order: %w", err)
	}

	cs.logger.Info("Gold order confirmed",
		zap.String("order_id", docID),
		zap.String("session_id", session.ID))
	return docID, nil
}
