package pipeline

import (
	"context"
	"encoding/json"

	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// DataClient is the narrow backend data API the application uses.
type DataClient interface {
	Select(ctx context.Context, table string, filters ...Filter) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, values Row, filters ...Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filters ...Filter) error
	RPC(ctx context.Context, fn string, params map[string]any) (json.RawMessage, error)
}

// Authenticator signs users in and out of the backend.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*session.Session, error)
	SignOut(ctx context.Context) error
}

// GuardedClient routes every DataClient call through a Pipeline.
type GuardedClient struct {
	next DataClient
	p    *Pipeline
}

var _ DataClient = (*GuardedClient)(nil)

// NewGuardedClient wraps next with p.
func NewGuardedClient(next DataClient, p *Pipeline) *GuardedClient {
	return &GuardedClient{next: next, p: p}
}

// Select runs "<table>.select".
func (c *GuardedClient) Select(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	op := Operation{Name: table + ".select", Kind: KindRead, Args: filterArgs(filters)}
	return Wrap(ctx, c.p, op, func(ctx context.Context) ([]Row, error) {
		return c.next.Select(ctx, table, filters...)
	})
}

// Insert runs "<table>.insert".
func (c *GuardedClient) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	args := make([]any, 0, len(rows))
	for _, r := range rows {
		args = append(args, r)
	}
	op := Operation{Name: table + ".insert", Kind: KindWrite, Args: args}
	return Wrap(ctx, c.p, op, func(ctx context.Context) ([]Row, error) {
		return c.next.Insert(ctx, table, rows...)
	})
}

// Update runs "<table>.update".
func (c *GuardedClient) Update(ctx context.Context, table string, values Row, filters ...Filter) ([]Row, error) {
	args := append([]any{values}, filterArgs(filters)...)
	op := Operation{Name: table + ".update", Kind: KindWrite, Args: args}
	return Wrap(ctx, c.p, op, func(ctx context.Context) ([]Row, error) {
		return c.next.Update(ctx, table, values, filters...)
	})
}

// Delete runs "<table>.delete".
func (c *GuardedClient) Delete(ctx context.Context, table string, filters ...Filter) error {
	op := Operation{Name: table + ".delete", Kind: KindWrite, Args: filterArgs(filters)}
	_, err := c.p.Run(ctx, op, func(ctx context.Context) (any, error) {
		return nil, c.next.Delete(ctx, table, filters...)
	})
	return err
}

// RPC runs the remote function under its own name, so category inference
// applies to the function name.
func (c *GuardedClient) RPC(ctx context.Context, fn string, params map[string]any) (json.RawMessage, error) {
	op := Operation{Name: fn, Kind: KindRPC, Args: []any{params}}
	return Wrap(ctx, c.p, op, func(ctx context.Context) (json.RawMessage, error) {
		return c.next.RPC(ctx, fn, params)
	})
}

// GuardedAuth routes sign-in and sign-out through a Pipeline under the auth category.
type GuardedAuth struct {
	next Authenticator
	p    *Pipeline
}

var _ Authenticator = (*GuardedAuth)(nil)

// NewGuardedAuth wraps next with p.
func NewGuardedAuth(next Authenticator, p *Pipeline) *GuardedAuth {
	return &GuardedAuth{next: next, p: p}
}

// SignIn runs "auth.signin". The password is never passed to the pipeline.
func (a *GuardedAuth) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	op := Operation{Name: "auth.signin", Kind: KindAuth, Args: []any{map[string]any{"email": email}}}
	return Wrap(ctx, a.p, op, func(ctx context.Context) (*session.Session, error) {
		return a.next.SignIn(ctx, email, password)
	})
}

// SignOut runs "auth.logout".
func (a *GuardedAuth) SignOut(ctx context.Context) error {
	op := Operation{Name: "auth.logout", Kind: KindAuth}
	_, err := a.p.Run(ctx, op, func(ctx context.Context) (any, error) {
		return nil, a.next.SignOut(ctx)
	})
	return err
}

func filterArgs(filters []Filter) []any {
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		args = append(args, f)
	}
	return args
}
