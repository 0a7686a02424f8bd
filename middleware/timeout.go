package middleware

import (
	"context"
	"log/slog"

	"github.com/workroom-io/workroom/job"
)

// Timeout returns middleware that enforces the per-kind execution
// deadline configured on the job's registered definition. Kinds without
// a timeout run bounded only by the queue lease. When the deadline is
// exceeded the context is cancelled and the handler should return
// context.DeadlineExceeded.
func Timeout(logger *slog.Logger, reg *job.Registry) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if h, ok := reg.Get(j.Kind); ok && h.Timeout > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", h.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
