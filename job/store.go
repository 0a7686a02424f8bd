package job

import (
	"context"
	"time"

	"github.com/workroom-io/workroom/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs.
//
// Implementations must provide per-key atomicity for CreateJob and
// Transition; those two operations carry all of the system's
// cross-process consistency requirements.
type Store interface {
	// CreateJob inserts the job unless a non-terminal job already exists
	// for its (OwnerID, IdempotencyKey) pair. The insert-or-return is a
	// single atomic conditional write, never a read-then-write. It
	// returns the authoritative job record and whether this call
	// created it.
	CreateJob(ctx context.Context, j *Job) (*Job, bool, error)

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// Transition compares-and-swaps the job's status from → to,
	// stamping StartedAt or CompletedAt as appropriate and releasing
	// the idempotency reservation on entry to a terminal status. It
	// fails with ErrInvalidTransition when the current status is not
	// `from` or the change is not legal, and returns the updated job
	// on success.
	Transition(ctx context.Context, jobID id.JobID, from, to Status) (*Job, error)

	// RequestCancel sets the job's cancel_requested flag. It fails with
	// ErrInvalidTransition when the job is already terminal and returns
	// the current record otherwise. Setting the flag on an
	// already-flagged job is a no-op.
	RequestCancel(ctx context.Context, jobID id.JobID) (*Job, error)

	// CancelRequested reports whether cancellation has been requested.
	// Workers poll this at execution checkpoints.
	CancelRequested(ctx context.Context, jobID id.JobID) (bool, error)

	// SetResultRef records the opaque result-store reference and
	// optional error detail for the job.
	SetResultRef(ctx context.Context, jobID id.JobID, ref, errDetail string) error

	// SetAttempt records the delivery attempt the job is executing
	// under.
	SetAttempt(ctx context.Context, jobID id.JobID, attempt int) error

	// Reclaim atomically adopts a running job abandoned by a dead
	// worker: it bumps the attempt from fromAttempt to toAttempt while
	// the status stays running. It fails with ErrInvalidTransition
	// when the job is not running or the recorded attempt is no longer
	// fromAttempt, which means another holder settled or re-claimed it
	// first. Returns the updated job on success.
	Reclaim(ctx context.Context, jobID id.JobID, fromAttempt, toAttempt int) (*Job, error)

	// ListJobsByOwner returns the owner's jobs, newest first.
	ListJobsByOwner(ctx context.Context, ownerID string, opts ListOpts) ([]*Job, error)

	// PurgeTerminal deletes terminal jobs whose completion is older
	// than the retention window and returns how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}
