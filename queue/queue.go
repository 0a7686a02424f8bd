package queue

import (
	"context"
	"time"

	"github.com/workroom-io/workroom/id"
)

// Delivery is one at-least-once handoff of a job to a worker. The token
// identifies the lease; Ack and Extend operate on the token, so a stale
// delivery whose lease already expired and was re-issued cannot ack or
// extend on behalf of the newer holder.
type Delivery struct {
	JobID id.JobID
	// Token is the lease token minted for this delivery.
	Token id.DeliveryID
	// Attempt counts deliveries of this job, starting at 1.
	Attempt int
}

// Queue is the durable job-id queue shared by all processes.
type Queue interface {
	// Enqueue makes the job id available for delivery. Enqueueing the
	// same id twice is permitted; the status CAS downstream absorbs the
	// duplicate.
	Enqueue(ctx context.Context, jobID id.JobID) error

	// Receive blocks until a job is available, the context is done, or
	// the queue is closed (ErrQueueClosed). The returned delivery holds
	// a lease that must be Acked, Extended, or allowed to expire.
	Receive(ctx context.Context) (*Delivery, error)

	// Ack completes the delivery and removes the job from the queue.
	// Acking with an expired or superseded token is a no-op returning
	// nil; the redelivery already owns the job.
	Ack(ctx context.Context, d *Delivery) error

	// Extend renews the delivery's lease for another lease interval.
	// It fails when the token is expired or superseded.
	Extend(ctx context.Context, d *Delivery) error

	// ReapExpired returns jobs whose lease expired to the ready state
	// for redelivery and reports how many were reaped.
	ReapExpired(ctx context.Context) (int, error)

	// Close stops delivery. Blocked Receive calls return ErrQueueClosed.
	Close() error
}

// LeaseTimeout is the default visibility window for a delivery.
const LeaseTimeout = 30 * time.Second
