package securitylog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Storage.Load when nothing has been persisted yet.
var ErrNotFound = errors.New("security log snapshot not found")

// ErrQuotaExceeded is returned by Storage.Save when the snapshot does not fit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Storage persists the logger snapshot durably.
type Storage interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Sink receives forwarded critical events. Delivery is best effort.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Identity supplies the session identifier stamped on every entry.
type Identity interface {
	ID() string
}

// NopSink discards every event.
type NopSink struct{}

// Send does nothing.
func (NopSink) Send(context.Context, Event) error { return nil }

var _ Sink = NopSink{}

// Forwarder hands critical events to a remote sink without blocking the
// caller. Implementations must be safe for concurrent use.
type Forwarder interface {
	Forward(ev Event)
}
