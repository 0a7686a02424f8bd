// Package result stores job execution output outside the job record.
// The job store keeps only the opaque reference returned by Put, so
// result bodies can grow or change shape without touching job rows.
package result

import (
	"context"
	"time"

	"github.com/workroom-io/workroom/id"
)

// Record is one stored job result.
type Record struct {
	Ref       string    `json:"ref" bson:"ref"`
	JobID     string    `json:"job_id" bson:"job_id"`
	OwnerID   string    `json:"owner_id" bson:"owner_id"`
	Body      string    `json:"body" bson:"body"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Store persists job results keyed by an opaque reference.
type Store interface {
	// Put stores the result body for the job and returns the reference
	// to record on the job. Writing a result for the same job twice
	// overwrites; redelivered executions are idempotent.
	Put(ctx context.Context, jobID id.JobID, ownerID, body string) (ref string, err error)

	// Get retrieves a stored result by reference. Returns
	// ErrResultNotFound if absent.
	Get(ctx context.Context, ref string) (*Record, error)

	// Purge deletes results older than the retention window and
	// returns how many were removed.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}
