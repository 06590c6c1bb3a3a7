package headers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// Header names set on outbound requests.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderClientVersion = "X-Client-Version"
	HeaderCacheControl  = "Cache-Control"
)

// TokenSource returns the current anti-forgery token.
type TokenSource interface {
	Current() (csrf.Token, error)
}

// EventLog records policy violations.
type EventLog interface {
	Record(ctx context.Context, typ securitylog.EntryType, message string, metadata map[string]any) securitylog.LogEntry
}

// Injector decorates outbound requests and records policy violations.
type Injector struct {
	tokens        TokenSource
	log           EventLog
	logger        *slog.Logger
	headerName    string
	clientVersion string
	policy        Policy
}

// Option configures an Injector.
type Option func(*Injector)

// WithHeaderName overrides the anti-forgery header name.
func WithHeaderName(name string) Option {
	return func(i *Injector) {
		if name != "" {
			i.headerName = name
		}
	}
}

// WithClientVersion sets the X-Client-Version value.
func WithClientVersion(v string) Option {
	return func(i *Injector) { i.clientVersion = v }
}

// WithPolicy sets the response policy.
func WithPolicy(p Policy) Option {
	return func(i *Injector) { i.policy = p }
}

// NewInjector creates an Injector.
func NewInjector(tokens TokenSource, log EventLog, logger *slog.Logger, opts ...Option) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Injector{
		tokens:        tokens,
		log:           log,
		logger:        logger,
		headerName:    csrf.DefaultHeader,
		clientVersion: "dev",
		policy:        DefaultPolicy("", ""),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HeaderName returns the anti-forgery header name.
func (i *Injector) HeaderName() string {
	return i.headerName
}

// Policy returns the response policy.
func (i *Injector) Policy() Policy {
	return i.policy
}

// IsStateChanging reports whether a request must carry the anti-forgery token.
func IsStateChanging(method string, category ratelimit.Category) bool {
	if category == ratelimit.CategoryWrite {
		return true
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Decorate sets the hardening headers on req, and the anti-forgery header
// when the request is state-changing. An existing request id is kept.
func (i *Injector) Decorate(req *http.Request, category ratelimit.Category) error {
	req.Header.Set(HeaderCacheControl, "no-store")
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.New().String())
	}
	req.Header.Set(HeaderClientVersion, i.clientVersion)

	if !IsStateChanging(req.Method, category) {
		return nil
	}
	tok, err := i.tokens.Current()
	if err != nil {
		return fmt.Errorf("csrf token unavailable: %w", err)
	}
	req.Header.Set(i.headerName, tok.Value)
	return nil
}

// FormField returns the hidden field name and value for plain form submissions.
func (i *Injector) FormField() (name, value string, err error) {
	tok, err := i.tokens.Current()
	if err != nil {
		return "", "", fmt.Errorf("csrf token unavailable: %w", err)
	}
	return csrf.FormField, tok.Value, nil
}

type categoryKey struct{}

// WithCategory attaches the operation category to ctx so the transport can
// decide whether the request is state-changing.
func WithCategory(ctx context.Context, c ratelimit.Category) context.Context {
	return context.WithValue(ctx, categoryKey{}, c)
}

// CategoryFrom returns the category attached by WithCategory.
func CategoryFrom(ctx context.Context) (ratelimit.Category, bool) {
	c, ok := ctx.Value(categoryKey{}).(ratelimit.Category)
	return c, ok
}

// Transport returns a RoundTripper that decorates every request before
// handing it to base. It is meant for the single backend HTTP client.
func (i *Injector) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{injector: i, base: base}
}

type transport struct {
	injector *Injector
	base     http.RoundTripper
}

// RoundTrip implements http.RoundTripper. The caller's request is cloned,
// never modified.
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	category, ok := CategoryFrom(req.Context())
	if !ok {
		category = ratelimit.CategoryDefault
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			category = ratelimit.CategoryRead
		}
	}

	out := req.Clone(req.Context())
	if err := t.injector.Decorate(out, category); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	return t.base.RoundTrip(out)
}
