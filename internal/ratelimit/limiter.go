// Package ratelimit enforces per-client admission quotas over a trailing time
// window.
package ratelimit

import (
	"context"
	"time"
)

// Reservation is one credit taken by Allow. Passing it to Release returns the
// credit to the client's window.
type Reservation struct {
	ClientID string
	At       time.Time
	// Member identifies the credit in a shared window. Empty for local windows
	// and for credits granted while the shared window was unreachable.
	Member string
}

// Status describes a client's window as of now.
type Status struct {
	Limit     int
	Remaining int
	// Reset is when the oldest credit leaves the window. Zero when the
	// window is empty.
	Reset time.Time
}

// Limiter admits at most Quota requests per client in any trailing Window.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (Reservation, bool)
	Release(ctx context.Context, r Reservation)
	Status(ctx context.Context, clientID string) Status
	// Sweep drops state for clients idle for at least one window and returns
	// the number of windows removed.
	Sweep() int
}
