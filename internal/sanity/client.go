package sanity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"storefront/internal/models"
)

// ErrDocumentExists is returned when a create mutation targets a document
// id that is already present in the dataset. Settlement relies on this to
// let the store arbitrate concurrent deliveries of the same charge.
var ErrDocumentExists = errors.New("document already exists")

// Client talks to the content lake's HTTP API (query + mutate). It is the
// real implementation of the storage port the settlement service consumes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	dataset    string
	token      string
}

// NewClient creates a content store client for one project/dataset.
func NewClient(projectID, dataset, apiVersion, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    fmt.Sprintf("https://%s.api.sanity.io/v%s", projectID, apiVersion),
		dataset:    dataset,
		token:      token,
	}
}

// Mutation is one entry of a mutate call. Exactly one field is set.
type Mutation struct {
	Create interface{} `json:"create,omitempty"`
	Patch  *Patch      `json:"patch,omitempty"`
}

// Patch adjusts numeric fields of an existing document.
type Patch struct {
	ID  string         `json:"id"`
	Dec map[string]int `json:"dec,omitempty"`
	Inc map[string]int `json:"inc,omitempty"`
}

type MutateResult struct {
	TransactionID string `json:"transactionId"`
	Results       []struct {
		ID string `json:"id"`
	} `json:"results"`
}

// Query runs a GROQ query and decodes the result into out. Params are sent
// as $-prefixed JSON-encoded query variables.
func (c *Client) Query(ctx context.Context, groq string, params map[string]interface{}, out interface{}) error {
	values := url.Values{}
	values.Set("query", groq)
	for k, v := range params {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode query param %s: %w", k, err)
		}
		values.Set("$"+k, string(encoded))
	}

	endpoint := fmt.Sprintf("%s/data/query/%s?%s", c.baseURL, c.dataset, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("content store query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("content store query returned %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode query response: %w", err)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to decode query result: %w", err)
	}
	return nil
}

// Mutate commits a set of mutations as one transaction: either every
// mutation applies or none do.
func (c *Client) Mutate(ctx context.Context, mutations []Mutation) (*MutateResult, error) {
	payload, err := json.Marshal(map[string]interface{}{"mutations": mutations})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutations: %w", err)
	}

	endpoint := fmt.Sprintf("%s/data/mutate/%s?returnIds=true", c.baseURL, c.dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content store mutate failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, ErrDocumentExists
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content store mutate returned %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}

	var result MutateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode mutate response: %w", err)
	}
	return &result, nil
}

// OrderByChargeID looks up an existing order for a provider charge id.
// Returns nil without error when no order exists.
func (c *Client) OrderByChargeID(ctx context.Context, chargeID string) (*models.Order, error) {
	var order *models.Order
	err := c.Query(ctx,
		`*[_type == "order" && providerChargeId == $chargeID][0]`,
		map[string]interface{}{"chargeID": chargeID},
		&order)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ProductPrices resolves current unit prices for a batch of product ids in
// one query. Ids missing from the catalog are simply absent from the
// result.
func (c *Client) ProductPrices(ctx context.Context, ids []string) ([]models.ProductPrice, error) {
	var prices []models.ProductPrice
	err := c.Query(ctx,
		`*[_id in $ids]{_id, name, "price": coalesce(price, fixedPrice, 0)}`,
		map[string]interface{}{"ids": ids},
		&prices)
	if err != nil {
		return nil, err
	}
	return prices, nil
}

// CreateOrder persists an order document. When order.ID is set the store
// enforces uniqueness and returns ErrDocumentExists on a second create for
// the same id.
func (c *Client) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	result, err := c.Mutate(ctx, []Mutation{{Create: order}})
	if err != nil {
		return "", err
	}
	if len(result.Results) == 0 {
		return "", fmt.Errorf("create returned no document id")
	}
	return result.Results[0].ID, nil
}

// AdjustStock applies all deltas as a single transaction.
func (c *Client) AdjustStock(ctx context.Context, deltas []models.StockDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	mutations := make([]Mutation, 0, len(deltas))
	for _, d := range deltas {
		patch := &Patch{ID: d.ProductID}
		if d.Delta < 0 {
			patch.Dec = map[string]int{"stock": -d.Delta}
		} else {
			patch.Inc = map[string]int{"stock": d.Delta}
		}
		mutations = append(mutations, Mutation{Patch: patch})
	}

	_, err := c.Mutate(ctx, mutations)
	return err
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readBodySnippet(r io.Reader) string {
	snippet, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(snippet)
}
