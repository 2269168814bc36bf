// Package postgrest is a minimal PostgREST RPC client used as the storage
// catalog. A Client is built per request with the caller's bearer token; it
// never mints or verifies credentials itself.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubeflow/storage-api/pkg/objects"
)

// DefaultSchema is the Postgres schema that holds the storage functions.
const DefaultSchema = "storage"

// maxErrorBody caps how much of a failed response is kept.
const maxErrorBody = 1 << 20

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// Client calls PostgREST on behalf of one caller.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	schema     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the shared HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSchema overrides DefaultSchema.
func WithSchema(schema string) Option {
	return func(c *Client) {
		if schema != "" {
			c.schema = schema
		}
	}
}

// New creates a Client for baseURL. apiKey is sent in the apikey header and
// token as the bearer credential.
func New(baseURL, apiKey, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		token:      token,
		schema:     DefaultSchema,
		httpClient: defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RPC calls the stored procedure fn with params as its JSON arguments and
// decodes the result into out. query carries extra PostgREST query parameters
// such as order. A non-2xx response is returned as *objects.CatalogError.
func (c *Client) RPC(ctx context.Context, fn string, params any, query url.Values, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode rpc params: %w", err)
	}

	endpoint := c.baseURL + "/rpc/" + url.PathEscape(fn)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Profile", c.schema)
	req.Header.Set("Accept-Profile", c.schema)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &objects.CatalogError{Status: resp.StatusCode, Body: data}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rpc %s response: %w", fn, err)
	}
	return nil
}

// Search implements objects.Catalog.
func (c *Client) Search(ctx context.Context, params objects.SearchParams, order objects.Order) ([]objects.Object, error) {
	direction := "desc"
	if order.Ascending {
		direction = "asc"
	}
	query := url.Values{}
	query.Set("order", order.Column+"."+direction)

	var results []objects.Object
	if err := c.RPC(ctx, objects.SearchProcedure, params, query, &results); err != nil {
		return nil, err
	}
	return results, nil
}

var _ objects.Catalog = (*Client)(nil)
