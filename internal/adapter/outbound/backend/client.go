// Package backend talks to the backend-as-a-service REST and auth APIs.
// Every request goes through one http.Client whose transport is supplied by
// the caller, so request decoration happens at a single call site.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/headers"
	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

const (
	restPath = "/rest/v1/"
	rpcPath  = "/rest/v1/rpc/"
)

// Config holds the backend endpoint settings.
type Config struct {
	// BaseURL is the project URL, e.g. https://abc.backend.example.
	BaseURL string
	// AnonKey is the public API key sent with every request.
	AnonKey string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// Client implements pipeline.DataClient and pipeline.Authenticator.
type Client struct {
	base     *url.URL
	anonKey  string
	http     *http.Client
	sessions SessionStore
	logger   *slog.Logger
}

// SessionStore is where signed-in sessions are kept.
type SessionStore interface {
	session.Accessor
	Set(s *session.Session)
}

var (
	_ pipeline.DataClient    = (*Client)(nil)
	_ pipeline.Authenticator = (*Client)(nil)
)

// NewClient creates a Client. transport is typically the header injector's
// decorator; nil uses http.DefaultTransport.
func NewClient(cfg Config, sessions SessionStore, transport http.RoundTripper, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     base,
		anonKey:  cfg.AnonKey,
		http:     &http.Client{Transport: transport, Timeout: timeout},
		sessions: sessions,
		logger:   logger,
	}, nil
}

// Select reads rows from table.
func (c *Client) Select(ctx context.Context, table string, filters ...pipeline.Filter) ([]pipeline.Row, error) {
	q := filterQuery(filters)
	q.Set("select", "*")
	var rows []pipeline.Row
	err := c.do(ctx, ratelimit.CategoryRead, http.MethodGet, restPath+url.PathEscape(table), q, nil, &rows)
	return rows, err
}

// Insert creates rows and returns them as stored.
func (c *Client) Insert(ctx context.Context, table string, rows ...pipeline.Row) ([]pipeline.Row, error) {
	var out []pipeline.Row
	err := c.do(ctx, ratelimit.CategoryWrite, http.MethodPost, restPath+url.PathEscape(table), nil, rows, &out)
	return out, err
}

// Update applies values to the rows matching filters.
func (c *Client) Update(ctx context.Context, table string, values pipeline.Row, filters ...pipeline.Filter) ([]pipeline.Row, error) {
	var out []pipeline.Row
	err := c.do(ctx, ratelimit.CategoryWrite, http.MethodPatch, restPath+url.PathEscape(table), filterQuery(filters), values, &out)
	return out, err
}

// Delete removes the rows matching filters.
func (c *Client) Delete(ctx context.Context, table string, filters ...pipeline.Filter) error {
	return c.do(ctx, ratelimit.CategoryWrite, http.MethodDelete, restPath+url.PathEscape(table), filterQuery(filters), nil, nil)
}

// RPC calls a remote database function.
func (c *Client) RPC(ctx context.Context, fn string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out json.RawMessage
	err := c.do(ctx, ratelimit.InferCategory(fn), http.MethodPost, rpcPath+url.PathEscape(fn), nil, params, &out)
	return out, err
}

// filterQuery renders filters in the REST API's column=op.value form.
func filterQuery(filters []pipeline.Filter) url.Values {
	q := url.Values{}
	for _, f := range filters {
		op := f.Operator
		if op == "" {
			op = "eq"
		}
		q.Add(f.Column, op+"."+filterValue(f.Value))
	}
	return q
}

func filterValue(v any) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return "(" + strings.Join(parts, ",") + ")"
	case []string:
		return "(" + strings.Join(val, ",") + ")"
	case nil:
		return "null"
	default:
		return fmt.Sprint(val)
	}
}

// do sends one request. in is JSON encoded when non-nil; out is decoded
// from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, category ratelimit.Category, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(headers.WithCategory(ctx, category), method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// authorize sets the API key and the bearer token: the signed-in user's
// access token when present, else the anon key.
func (c *Client) authorize(req *http.Request) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	token := c.anonKey
	if c.sessions != nil {
		if s, ok := c.sessions.Current(); ok && s.AccessToken != "" {
			token = s.AccessToken
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
