package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"storeline/internal/domain"
)

// ErrUnavailable is returned while the breaker is open or probing.
var ErrUnavailable = errors.New("catalog service unavailable")

// errCallerGone marks a request abandoned by its caller. It says nothing
// about the catalog's health and never counts toward tripping the breaker.
var errCallerGone = errors.New("catalog request abandoned by caller")

type Settings struct {
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker; 3 when zero.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open; 30s when zero.
	OpenFor time.Duration
}

// Client fetches products from a remote catalog:
// GET {base}/products?ids=a,b returning {"products":[...]}.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Log        *zap.Logger

	breaker *gobreaker.CircuitBreaker
}

func New(baseURL string, s Settings, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: s.Timeout},
		Log:        log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("catalog circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// State reports the breaker state: closed, open or half-open.
func (c *Client) State() string {
	return c.breaker.State().String()
}

type productsResponse struct {
	Products []domain.Product `json:"products"`
}

func (c *Client) FetchProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return []domain.Product{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		products, err := c.fetch(ctx, ids)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, ctx.Err())
		}
		return products, err
	})
	if err != nil {
		if errors.Is(err, errCallerGone) {
			return nil, ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.([]domain.Product), nil
}

func (c *Client) fetch(ctx context.Context, ids []string) ([]domain.Product, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/products?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out productsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	if out.Products == nil {
		out.Products = []domain.Product{}
	}
	return out.Products, nil
}
