// Package ratelimit provides sliding-window admission control.
//
// The window is a true trailing interval, not a fixed bucket that
// resets on a boundary: a subject allowed N times in any W-length
// interval stays within the limit even when its requests straddle what
// a fixed bucket would call a window edge. Distinct limiter instances
// guard distinct concerns (job submission, per-connection message
// rate); they never share keys.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Limit is the configured maximum per window.
	Limit int
	// Remaining is how many further requests the subject may make in
	// the current window. Zero when denied.
	Remaining int
	// RetryAfter is how long the subject must wait before a retry can
	// succeed. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per subject key.
type Limiter interface {
	// Admit records one request for the key and decides whether it is
	// within the sliding-window limit. The check and the count update
	// are atomic; concurrent calls for the same key never both consume
	// the last slot. An error means the limiter backend is unavailable,
	// not that the request was denied.
	Admit(ctx context.Context, key string) (Decision, error)
}
