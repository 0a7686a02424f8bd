package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/job"
)

// Logging returns middleware that logs job start and settlement. Every
// line carries the job's routing fields so workspace activity can be
// correlated across the session and worker logs. A cooperative cancel
// is an expected outcome and logs at info, not error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []any{
			slog.String("job_kind", j.Kind),
			slog.String("job_id", j.ID.String()),
			slog.String("owner_id", j.OwnerID),
			slog.String("workspace_id", j.WorkspaceID),
			slog.Int("attempt", j.Attempt),
		}
		logger.Info("job started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		switch {
		case errors.Is(err, workroom.ErrJobCancelled):
			logger.Info("job cancelled", attrs...)
		case err != nil:
			logger.Error("job failed", append(attrs, slog.String("error", err.Error()))...)
		default:
			logger.Info("job completed", attrs...)
		}
		return err
	}
}
