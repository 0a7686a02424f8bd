package middleware

import (
	"context"

	"github.com/workroom-io/workroom/job"
)

type ownerCtxKey struct{}

// Identity carries the submitting user's identity through handler
// execution.
type Identity struct {
	OwnerID     string
	WorkspaceID string
}

// Owner returns middleware that injects the job's owner and workspace
// into the context, so handlers see the same identity as the original
// submission caller.
func Owner() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = context.WithValue(ctx, ownerCtxKey{}, Identity{
			OwnerID:     j.OwnerID,
			WorkspaceID: j.WorkspaceID,
		})
		return next(ctx)
	}
}

// OwnerFromContext returns the identity injected by Owner, if any.
func OwnerFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ownerCtxKey{}).(Identity)
	return v, ok
}
