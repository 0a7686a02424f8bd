package job

import (
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be picked up by a worker.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the job finished successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was stopped by an explicit cancel
	// request before completing.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status change.
// Cancellation is reachable from any non-terminal status; success and
// failure only from running.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Job represents a unit of asynchronous work owned by a user.
type Job struct {
	workroom.Entity

	ID              id.JobID   `json:"id"`
	OwnerID         string     `json:"owner_id"`
	WorkspaceID     string     `json:"workspace_id,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key"`
	Kind            string     `json:"kind"`
	Payload         []byte     `json:"payload,omitempty"`
	Status          Status     `json:"status"`
	Attempt         int        `json:"attempt"`
	CancelRequested bool       `json:"cancel_requested"`
	ResultRef       string     `json:"result_ref,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued job for the given owner and kind.
func New(ownerID, workspaceID, idempotencyKey, kind string, payload []byte) *Job {
	now := time.Now()
	return &Job{
		Entity: workroom.Entity{
			CreatedAt: now,
			UpdatedAt: now,
		},
		ID:             id.NewJobID(),
		OwnerID:        ownerID,
		WorkspaceID:    workspaceID,
		IdempotencyKey: idempotencyKey,
		Kind:           kind,
		Payload:        payload,
		Status:         StatusQueued,
	}
}

// Clone returns a deep copy. Stores return clones so callers can never
// mutate stored state outside Transition.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
