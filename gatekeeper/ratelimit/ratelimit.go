// Package ratelimit provides the per-client fixed-window counters behind
// the edge gatekeeper. The store is an explicit injected abstraction so a
// single process can use the bounded in-memory store while multi-instance
// deployments share a redis or postgres backend.
package ratelimit

import (
	"context"
	"time"
)

// Defaults for the authentication-endpoint window.
const (
	DefaultWindow = 15 * time.Minute
	DefaultMax    = 100
)

// Result is the outcome of counting one request.
type Result struct {
	// Count is the request count within the active window, including
	// this request.
	Count int
	// ResetAt is when the active window ends.
	ResetAt time.Time
	// Limited reports that this request exceeded the ceiling and must be
	// rejected.
	Limited bool
}

// Store counts requests per client key in fixed windows. Increment must
// be atomic per key: two concurrent requests on the same key must not
// both observe the same count.
//
// Window semantics: the first request after ResetAt has passed opens a
// new window with Count 1; within a window the count increments, and any
// request beyond the ceiling is Limited.
type Store interface {
	Increment(ctx context.Context, key string) (Result, error)
}
