// Package remoteapi is a client for the spreadsheet-backed order API.
package remoteapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
)

const (
	// DefaultLookupsTTL is how long lookups stay cached.
	DefaultLookupsTTL = 5 * time.Minute

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 10 * 1024 * 1024

	lookupsKey = "lookups"
)

// Client calls the order API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	lookupsTTL time.Duration
	lookups    *ttlcache.Cache[string, *Lookups]
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API endpoint, e.g. https://script.google.com/macros/s/<id>/exec.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLookupsTTL sets how long lookups are cached. Zero disables caching.
func WithLookupsTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.lookupsTTL = ttl
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lookupsTTL: DefaultLookupsTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remoteapi")
	c.lookups = ttlcache.New[string, *Lookups](
		ttlcache.WithTTL[string, *Lookups](c.lookupsTTL),
		ttlcache.WithDisableTouchOnHit[string, *Lookups](),
	)
	return c
}

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetOrders returns every order.
func (c *Client) GetOrders(ctx context.Context) ([]PurchaseOrder, error) {
	env, err := c.call(ctx, ActionGetOrders, nil)
	if err != nil {
		return nil, err
	}
	if env.Orders == nil {
		return []PurchaseOrder{}, nil
	}
	return env.Orders, nil
}

// AddOrder creates order and returns its PO number.
func (c *Client) AddOrder(ctx context.Context, order PurchaseOrder) (string, error) {
	return c.writeOrder(ctx, ActionAddOrder, order)
}

// UpdateOrder replaces the order matching order.PONumber.
func (c *Client) UpdateOrder(ctx context.Context, order PurchaseOrder) (string, error) {
	return c.writeOrder(ctx, ActionUpdateOrder, order)
}

func (c *Client) writeOrder(ctx context.Context, action string, order PurchaseOrder) (string, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return "", fmt.Errorf("encoding order: %w", err)
	}
	env, err := c.call(ctx, action, url.Values{"order": {string(payload)}})
	if err != nil {
		return "", err
	}
	if env.PONumber == "" {
		return order.PONumber, nil
	}
	return env.PONumber, nil
}

// SendCode asks the API to email a login code.
func (c *Client) SendCode(ctx context.Context, email, name, code string) error {
	_, err := c.call(ctx, ActionSendCode, url.Values{
		"email": {email},
		"name":  {name},
		"code":  {code},
	})
	return err
}

// GetLookups returns the form reference data, cached for the configured TTL.
// Failures are not cached.
func (c *Client) GetLookups(ctx context.Context) (*Lookups, error) {
	if c.lookupsTTL <= 0 {
		return c.fetchLookups(ctx)
	}

	var loadErr error
	loader := ttlcache.LoaderFunc[string, *Lookups](
		func(cache *ttlcache.Cache[string, *Lookups], key string) *ttlcache.Item[string, *Lookups] {
			lookups, err := c.fetchLookups(ctx)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, lookups, ttlcache.DefaultTTL)
		},
	)

	item := c.lookups.Get(lookupsKey, ttlcache.WithLoader[string, *Lookups](loader))
	if item == nil {
		if loadErr == nil {
			loadErr = errors.New("failed to load lookups")
		}
		return nil, loadErr
	}
	return item.Value(), nil
}

// InvalidateLookups drops the cached lookups.
func (c *Client) InvalidateLookups() {
	c.lookups.Delete(lookupsKey)
}

func (c *Client) fetchLookups(ctx context.Context) (*Lookups, error) {
	env, err := c.call(ctx, ActionGetLookups, nil)
	if err != nil {
		return nil, err
	}
	if env.Lookups == nil {
		return nil, &APIError{Action: ActionGetLookups, Message: "response has no lookups"}
	}
	return env.Lookups, nil
}

// call performs one action and classifies the outcome.
func (c *Client) call(ctx context.Context, action string, params url.Values) (*Envelope, error) {
	if c.baseURL == "" {
		return nil, errors.New("remote api base url is not configured")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	q := u.Query()
	q.Set("action", action)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("api request failed", "action", action, "error", err)
		return nil, fmt.Errorf("%s: %w: %v", action, ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%s: %w: status %d", action, ErrOffline, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: reading body: %v", action, ErrOffline, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, &APIError{Action: action, Message: fmt.Sprintf("invalid JSON response (status %d)", resp.StatusCode)}
	}

	result := gjson.ParseBytes(body)
	if result.Get("offline").Bool() {
		return nil, fmt.Errorf("%s: %w", action, ErrOffline)
	}
	if !result.Get("success").Bool() {
		msg := result.Get("error").String()
		if msg == "" {
			msg = "request failed"
		}
		return nil, &APIError{Action: action, Message: msg}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", action, err)
	}
	return &env, nil
}
