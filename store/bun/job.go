package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
)

// idemConflict is the partial unique index predicate; ON CONFLICT must
// repeat it so PostgreSQL matches the index.
const idemConflict = `CONFLICT (owner_id, idempotency_key) WHERE idempotency_key <> '' AND status IN ('queued', 'running') DO NOTHING`

// CreateJob inserts the job unless a live job already holds its
// (OwnerID, IdempotencyKey) reservation. The partial unique index makes
// the insert-or-return a single conditional write.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	m := toJobModel(j)

	if j.IdempotencyKey == "" {
		if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("workroom/bun: create job: %w", err)
		}
		return j.Clone(), true, nil
	}

	res, err := s.db.NewInsert().Model(m).On(idemConflict).Exec(ctx)
	switch {
	case err == nil:
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows > 0 {
			return j.Clone(), true, nil
		}
	case isDuplicateKey(err):
		// Raced another insert past the conflict clause; fall through to
		// return the holder.
	default:
		return nil, false, fmt.Errorf("workroom/bun: create job: %w", err)
	}

	// Reservation held; return the live job owning it.
	existing := new(jobModel)
	err = s.db.NewSelect().Model(existing).
		Where("owner_id = ?", j.OwnerID).
		Where("idempotency_key = ?", j.IdempotencyKey).
		Where("status IN ('queued', 'running')").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			// The holder went terminal between insert and select; the
			// caller retries submission.
			return nil, false, workroom.ErrJobNotFound
		}
		return nil, false, fmt.Errorf("workroom/bun: create job select holder: %w", err)
	}
	found, convErr := fromJobModel(existing)
	if convErr != nil {
		return nil, false, convErr
	}
	return found, false, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, workroom.ErrJobNotFound
		}
		return nil, fmt.Errorf("workroom/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// Transition compares-and-swaps the job's status from → to. The WHERE
// clause on the current status makes the swap atomic; zero rows means
// another process won the race.
func (s *Store) Transition(ctx context.Context, jobID id.JobID, from, to job.Status) (*job.Job, error) {
	if !job.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", workroom.ErrInvalidTransition, from, to)
	}

	q := s.db.NewUpdate().
		TableExpr("workroom_jobs").
		Set("status = ?", string(to)).
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("status = ?", string(from))
	switch {
	case to == job.StatusRunning:
		q = q.Set("started_at = NOW()")
	case to.IsTerminal():
		q = q.Set("completed_at = NOW()")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: transition: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", workroom.ErrInvalidTransition, from, to)
	}
	return s.GetJob(ctx, jobID)
}

// RequestCancel sets the job's cancel_requested flag unless the job is
// already terminal.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_jobs").
		Set("cancel_requested = TRUE").
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("status IN ('queued', 'running')").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: request cancel: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, workroom.ErrInvalidTransition
	}
	return s.GetJob(ctx, jobID)
}

// CancelRequested reports whether cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, jobID id.JobID) (bool, error) {
	var flag bool
	err := s.db.NewSelect().
		TableExpr("workroom_jobs").
		Column("cancel_requested").
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx, &flag)
	if err != nil {
		if isNoRows(err) {
			return false, workroom.ErrJobNotFound
		}
		return false, fmt.Errorf("workroom/bun: cancel requested: %w", err)
	}
	return flag, nil
}

// SetResultRef records the result reference and optional error detail.
func (s *Store) SetResultRef(ctx context.Context, jobID id.JobID, ref, errDetail string) error {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_jobs").
		Set("result_ref = ?", ref).
		Set("last_error = ?", errDetail).
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("workroom/bun: set result ref: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return workroom.ErrJobNotFound
	}
	return nil
}

// SetAttempt records the delivery attempt the job is executing under.
func (s *Store) SetAttempt(ctx context.Context, jobID id.JobID, attempt int) error {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_jobs").
		Set("attempt = ?", attempt).
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("workroom/bun: set attempt: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return workroom.ErrJobNotFound
	}
	return nil
}

// Reclaim adopts a running job abandoned by a dead worker. The WHERE
// clause on status and attempt makes it lose to any concurrent settle
// or re-claim.
func (s *Store) Reclaim(ctx context.Context, jobID id.JobID, fromAttempt, toAttempt int) (*job.Job, error) {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_jobs").
		Set("attempt = ?", toAttempt).
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("status = ?", string(job.StatusRunning)).
		Where("attempt = ?", fromAttempt).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: reclaim: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, workroom.ErrInvalidTransition
	}
	return s.GetJob(ctx, jobID)
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, ownerID string, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("owner_id = ?", ownerID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("workroom/bun: list jobs by owner: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("workroom/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// PurgeTerminal deletes terminal jobs completed before the retention
// window, along with any queue rows they left behind.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	var count int64
	err := s.db.NewRaw(`
		WITH purged AS (
			DELETE FROM workroom_jobs
			WHERE status IN ('succeeded', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL
			  AND completed_at < NOW() - ?0::interval
			RETURNING id
		),
		dequeued AS (
			DELETE FROM workroom_queue
			WHERE job_id IN (SELECT id FROM purged)
		)
		SELECT COUNT(*) FROM purged`,
		olderThan.String(),
	).Scan(ctx, &count)
	if err != nil {
		return 0, fmt.Errorf("workroom/bun: purge terminal: %w", err)
	}
	return count, nil
}
