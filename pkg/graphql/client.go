// Package graphql is the request/response half of the transport: a small
// GraphQL-over-HTTP client plus the typed operations the stores use.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/transport"
)

const (
	headerAPIKey = "X-Openline-API-KEY"
	maxErrorBody = 4096
)

// Client sends GraphQL documents to a single endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	apiKey     string
	token      string
	timeout    time.Duration

	cache   *cache.Cache
	logger  logger.Logger
	metrics *metrics.Metrics
}

type Option func(c *Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken sets the bearer token sent in the Authorization header.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds every request. Zero leaves the caller's context alone.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCacheCleanup sets how often expired query cache entries are purged.
func WithCacheCleanup(interval time.Duration) Option {
	return func(c *Client) { c.cache = cache.New(cache.NoExpiration, interval) }
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, constants.ErrNoEndpoint
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    constants.DefaultRequestTimeout,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = cache.New(cache.NoExpiration, 10*time.Minute)
	}
	return c, nil
}

type request struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName,omitempty"`
	Variables     any    `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []ErrorItem     `json:"errors,omitempty"`
}

// Request implements transport.Requester.
func (c *Client) Request(ctx context.Context, doc transport.Document, vars any, dest any) error {
	data, err := c.do(ctx, doc, vars)
	if err != nil {
		return err
	}
	if doc.Mutation {
		c.cache.Flush()
	}
	return decodeData(data, dest)
}

func (c *Client) do(ctx context.Context, doc transport.Document, vars any) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	data, err := c.roundTrip(ctx, doc, vars)
	c.metrics.ObserveRequest(doc.OperationName, time.Since(started), err)
	if err != nil {
		c.logger.Warn("graphql request failed",
			"operation", doc.OperationName,
			"error", err)
		return nil, err
	}

	c.logger.Debug("graphql request",
		"operation", doc.OperationName,
		"duration", time.Since(started).String())
	return data, nil
}

func (c *Client) roundTrip(ctx context.Context, doc transport.Document, vars any) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		Query:         doc.Query,
		OperationName: doc.OperationName,
		Variables:     vars,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", doc.OperationName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s: %w", constants.ErrRequest, doc.OperationName, constants.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %s: %w", constants.ErrRequest, doc.OperationName, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", constants.ErrRequest, doc.OperationName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBytes) > maxErrorBody {
			respBytes = respBytes[:maxErrorBody]
		}
		return nil, &HTTPError{
			Operation:  doc.OperationName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBytes)),
		}
	}

	var res response
	if err := json.Unmarshal(respBytes, &res); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", constants.ErrInvalidResponse, doc.OperationName, err)
	}
	if len(res.Errors) > 0 {
		return nil, &Error{Operation: doc.OperationName, Errors: res.Errors}
	}
	return res.Data, nil
}

func decodeData(data json.RawMessage, dest any) error {
	if dest == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %w", constants.ErrInvalidResponse, err)
	}
	return nil
}

// WithCache returns a Requester that serves non-mutation documents from the
// query cache for ttl. Mutations pass straight through.
func (c *Client) WithCache(ttl time.Duration) transport.Requester {
	return &cachedRequester{client: c, ttl: ttl}
}

// Purge drops every cached query result.
func (c *Client) Purge() {
	c.cache.Flush()
}

type cachedRequester struct {
	client *Client
	ttl    time.Duration
}

func (r *cachedRequester) Request(ctx context.Context, doc transport.Document, vars any, dest any) error {
	if doc.Mutation {
		return r.client.Request(ctx, doc, vars, dest)
	}

	key, err := CacheKey(doc.OperationName, vars)
	if err != nil {
		return err
	}

	if cached, found := r.client.cache.Get(key); found {
		if data, ok := cached.(json.RawMessage); ok {
			r.client.metrics.IncCacheHit()
			r.client.logger.Debug("query cache hit", "cache_key", key)
			return decodeData(data, dest)
		}
	}
	r.client.metrics.IncCacheMiss()

	data, err := r.client.do(ctx, doc, vars)
	if err != nil {
		return err
	}
	r.client.cache.Set(key, data, r.ttl)
	return decodeData(data, dest)
}

// CacheKey derives the query cache key for an operation and its variables.
// encoding/json sorts map keys, so equal variable maps yield equal keys.
func CacheKey(operationName string, vars any) (string, error) {
	if vars == nil {
		return operationName, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("building cache key for %s: %w", operationName, err)
	}
	return operationName + ":" + string(b), nil
}
