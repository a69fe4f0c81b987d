package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/payment"
	"github.com/noah-isme/backend-pos/internal/promotion"
	"github.com/noah-isme/backend-pos/internal/resilience"
	"github.com/noah-isme/backend-pos/internal/session"
)

var (
	// ErrUnavailable wraps transport failures, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("business backend unavailable")
	// ErrRejected wraps 4xx answers; the backend message is kept in the error text.
	ErrRejected = errors.New("business backend rejected the request")
)

// Options configures a Client.
type Options struct {
	BaseURL             string
	CompanyID           string
	Timeout             time.Duration
	MaxAttempts         int
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	Logger              zerolog.Logger
}

// Client talks to the remote business backend over JSON. Responses are wrapped in a
// {"data": ...} envelope and failures in {"error": {"code", "message"}}.
type Client struct {
	BaseURL   string
	CompanyID string
	HTTP      resilience.HTTPClient
	Logger    zerolog.Logger
}

// New builds a client with an instrumented transport and a circuit breaker.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := resilience.NewBreaker(opts.BreakerMinRequests, opts.BreakerFailureRatio, opts.BreakerOpenFor).
		WithTarget("backend").
		WithLogger(opts.Logger)
	return &Client{
		BaseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		CompanyID: strings.TrimSpace(opts.CompanyID),
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			MaxAttempts: opts.MaxAttempts,
			Timeout:     timeout,
		},
		Logger: opts.Logger,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type idResponse struct {
	ID string `json:"id"`
}

// SearchCatalog finds products by free text.
func (c *Client) SearchCatalog(ctx context.Context, text string) ([]catalog.Item, error) {
	var out []catalog.Item
	q := url.Values{"q": {strings.TrimSpace(text)}}
	err := c.do(ctx, "search_catalog", http.MethodGet, "/api/products/search", q, nil, &out)
	return out, err
}

// FetchBatches lists the stock batches of a product.
func (c *Client) FetchBatches(ctx context.Context, productID string) ([]catalog.Batch, error) {
	var out []catalog.Batch
	path := "/api/products/" + url.PathEscape(productID) + "/batches"
	err := c.do(ctx, "fetch_batches", http.MethodGet, path, nil, nil, &out)
	return out, err
}

// SearchCustomers finds customers by name or phone.
func (c *Client) SearchCustomers(ctx context.Context, text string) ([]cart.Customer, error) {
	var out []cart.Customer
	q := url.Values{"q": {strings.TrimSpace(text)}}
	err := c.do(ctx, "search_customers", http.MethodGet, "/api/customers/search", q, nil, &out)
	return out, err
}

// CreateCounterCustomer registers a walk-in customer.
func (c *Client) CreateCounterCustomer(ctx context.Context, fields cart.Customer) (cart.Customer, error) {
	var out cart.Customer
	err := c.do(ctx, "create_customer", http.MethodPost, "/api/customers", nil, fields, &out)
	return out, err
}

// FetchActivePromotions lists the promotions currently published for the company.
func (c *Client) FetchActivePromotions(ctx context.Context) ([]promotion.Promotion, error) {
	var out []promotion.Promotion
	err := c.do(ctx, "fetch_promotions", http.MethodGet, "/api/promotions/active", nil, nil, &out)
	return out, err
}

// SubmitSale persists a completed sale and returns the backend id.
func (c *Client) SubmitSale(ctx context.Context, sale payment.Sale) (string, error) {
	var out idResponse
	if err := c.do(ctx, "submit_sale", http.MethodPost, "/api/sales", nil, sale, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SubmitShiftClose persists a shift summary and returns the backend id.
func (c *Client) SubmitShiftClose(ctx context.Context, summary session.ShiftSummary) (string, error) {
	var out idResponse
	if err := c.do(ctx, "submit_shift_close", http.MethodPost, "/api/shifts/close", nil, summary, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, dst any) (err error) {
	if c == nil || c.BaseURL == "" {
		return fmt.Errorf("%s: %w: base url not configured", op, ErrUnavailable)
	}
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrRejected):
			result = "rejected"
		case err != nil:
			result = "unavailable"
		}
		if obs.BackendLatency != nil {
			obs.BackendLatency.WithLabelValues(op, result).Observe(obs.DurationMillis(time.Since(start)))
		}
		if err != nil {
			c.Logger.Warn().Err(err).Str("operation", op).Msg("backend call failed")
		}
	}()

	if query == nil {
		query = url.Values{}
	}
	if c.CompanyID != "" {
		query.Set("companyId", c.CompanyID)
	}
	target := c.BaseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.CompanyID != "" {
		req.Header.Set("X-Company-ID", c.CompanyID)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: %w: read body: %v", op, ErrUnavailable, err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("%s: %w: decode body: %v", op, ErrUnavailable, err)
		}
	}
	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil && strings.TrimSpace(env.Error.Message) != "" {
			msg = env.Error.Message
		}
		return fmt.Errorf("%s: %w: %s", op, ErrRejected, msg)
	}
	if dst == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%s: %w: decode data: %v", op, ErrUnavailable, err)
	}
	return nil
}
