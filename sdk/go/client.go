package storelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Storeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Product is a catalog entry. Price is the decimal amount as a string.
type Product struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	DisplayName        string `json:"display_name"`
	Description        string `json:"description,omitempty"`
	Price              string `json:"price"`
	DisplayPrice       string `json:"display_price,omitempty"`
	SubscriptionPeriod string `json:"subscription_period,omitempty"`
}

type Products struct {
	Products    []Product  `json:"products"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

type Entitlements struct {
	Generation   uint64     `json:"generation"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
	ProductIDs   []string   `json:"product_ids"`
	Products     []Product  `json:"products"`
}

type EntitlementCheck struct {
	ProductID  string   `json:"product_id"`
	Entitled   bool     `json:"entitled"`
	Generation uint64   `json:"generation"`
	Product    *Product `json:"product,omitempty"`
}

// Transaction is a verified transaction as returned by a purchase.
type Transaction struct {
	ID           string    `json:"id"`
	OriginalID   string    `json:"original_id,omitempty"`
	ProductID    string    `json:"product_id"`
	PurchaseDate time.Time `json:"purchase_date"`
	Window       struct {
		Start time.Time  `json:"start"`
		End   *time.Time `json:"end,omitempty"`
	} `json:"window"`
	Revoked     bool   `json:"revoked"`
	Environment string `json:"environment,omitempty"`
}

// Purchase statuses.
const (
	StatusSuccess       = "success"
	StatusUserCancelled = "user_cancelled"
	StatusPending       = "pending"
	StatusUnknown       = "unknown"
)

type PurchaseResult struct {
	Status       string       `json:"status"`
	Transaction  *Transaction `json:"transaction,omitempty"`
	Entitlements Entitlements `json:"entitlements"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Products lists the loaded catalog.
func (c *Client) Products(ctx context.Context) (Products, error) {
	var resp Products
	err := c.do(ctx, http.MethodGet, "products", nil, &resp)
	return resp, err
}

// RefreshProducts reloads the catalog; no ids means the configured ones.
func (c *Client) RefreshProducts(ctx context.Context, ids ...string) (Products, error) {
	var body any
	if len(ids) > 0 {
		body = map[string]any{"product_ids": ids}
	}
	var resp Products
	err := c.do(ctx, http.MethodPost, "products/refresh", body, &resp)
	return resp, err
}

func (c *Client) Entitlements(ctx context.Context) (Entitlements, error) {
	var resp Entitlements
	err := c.do(ctx, http.MethodGet, "entitlements", nil, &resp)
	return resp, err
}

// HasEntitlement reports whether productID is currently entitled.
func (c *Client) HasEntitlement(ctx context.Context, productID string) (bool, error) {
	var resp EntitlementCheck
	err := c.do(ctx, http.MethodGet, "entitlements/"+url.PathEscape(productID), nil, &resp)
	return resp.Entitled, err
}

// Purchase buys productID. Cancelled, pending and unknown outcomes are
// reported in Status, not as errors.
func (c *Client) Purchase(ctx context.Context, productID string) (PurchaseResult, error) {
	return c.purchase(ctx, map[string]any{"product_id": productID})
}

// SimulatePurchase forces the sandbox outcome of this purchase.
func (c *Client) SimulatePurchase(ctx context.Context, productID, outcome string) (PurchaseResult, error) {
	return c.purchase(ctx, map[string]any{"product_id": productID, "simulate": outcome})
}

func (c *Client) purchase(ctx context.Context, body map[string]any) (PurchaseResult, error) {
	var resp PurchaseResult
	err := c.do(ctx, http.MethodPost, "purchases", body, &resp)
	return resp, err
}

// Restore resynchronizes purchase history and returns the reconciled set.
func (c *Client) Restore(ctx context.Context) (Entitlements, error) {
	var resp Entitlements
	err := c.do(ctx, http.MethodPost, "restore", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
