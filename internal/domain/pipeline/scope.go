package pipeline

import (
	"context"

	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// ScopeRequest is the input to a store-scope decision.
type ScopeRequest struct {
	Role          string
	AssignedStore string
	TargetStore   string
	Operation     string
}

// ScopePolicy decides whether a caller may touch the target store.
type ScopePolicy interface {
	Allow(ctx context.Context, req ScopeRequest) (bool, error)
}

// ScopeFunc adapts a function to ScopePolicy.
type ScopeFunc func(ctx context.Context, req ScopeRequest) (bool, error)

// Allow calls f.
func (f ScopeFunc) Allow(ctx context.Context, req ScopeRequest) (bool, error) {
	return f(ctx, req)
}

// WorkerStoreScope is the built-in rule: workers may only touch their
// assigned store; every other role is unrestricted.
var WorkerStoreScope ScopePolicy = ScopeFunc(func(_ context.Context, req ScopeRequest) (bool, error) {
	if req.Role != string(session.RoleWorker) || req.TargetStore == "" {
		return true, nil
	}
	return req.TargetStore == req.AssignedStore, nil
})
