// Package store defines the aggregate persistence interface. The job
// store and the durable queue define their own contracts; the composite
// Store composes them so a single backend (memory, redis, bun) serves
// both. Keeping them in one backend matters for the redis and SQL
// implementations, where job state and queue state share a connection
// and an atomicity domain.
package store

import (
	"context"

	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
)

// Store is the aggregate persistence interface.
// A single backend implements both the job store and the durable queue.
type Store interface {
	job.Store
	queue.Queue

	// Migrate runs all schema migrations. No-op for schemaless backends.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}
