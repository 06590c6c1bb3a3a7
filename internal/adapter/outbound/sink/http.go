// Package sink delivers forwarded security events to remote monitoring
// endpoints.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// HTTPSink posts each event as JSON to a monitoring endpoint. Sends are
// throttled so a flood of threats cannot turn into a flood of requests.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
	source   string
}

// HTTPOption configures an HTTPSink.
type HTTPOption func(*HTTPSink)

// WithBearerToken authenticates requests with a bearer token.
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPSink) { s.token = token }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRate limits sends to perSecond with the given burst.
func WithRate(perSecond float64, burst int) HTTPOption {
	return func(s *HTTPSink) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithSource names the reporting client in every payload.
func WithSource(source string) HTTPOption {
	return func(s *HTTPSink) { s.source = source }
}

// NewHTTPSink creates an HTTPSink for endpoint.
func NewHTTPSink(endpoint string, opts ...HTTPOption) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 20),
		source:   "posguard",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Payload is the body posted for each event.
type Payload struct {
	Source string            `json:"source"`
	Kind   string            `json:"kind"`
	SentAt time.Time         `json:"sent_at"`
	Event  securitylog.Event `json:"event"`
}

// Send posts ev. It waits for the rate limiter, bounded by ctx.
func (s *HTTPSink) Send(ctx context.Context, ev securitylog.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("http sink throttled: %w", err)
	}

	body, err := json.Marshal(Payload{Source: s.source, Kind: ev.Kind(), SentAt: time.Now().UTC(), Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("monitoring endpoint returned %d", resp.StatusCode)
	}
	return nil
}

var _ securitylog.Sink = (*HTTPSink)(nil)
