package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/workroom-io/workroom/job"
)

// Recover returns middleware that converts handler panics into errors.
// The stack is logged with the job's routing fields so one misbehaving
// job can never take down the worker process; the job settles as failed
// like any other handler error.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("job handler panicked",
				slog.String("job_kind", j.Kind),
				slog.String("job_id", j.ID.String()),
				slog.String("workspace_id", j.WorkspaceID),
				slog.Int("attempt", j.Attempt),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in %s job %s (attempt %d): %v", j.Kind, j.ID, j.Attempt, r)
		}()
		return next(ctx)
	}
}
