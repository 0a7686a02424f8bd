package memory

import (
	"context"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/queue"
)

// Enqueue makes the job id available for delivery.
func (s *Store) Enqueue(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return workroom.ErrQueueClosed
	}
	s.ready = append(s.ready, jobID)
	s.cond.Signal()
	return nil
}

// Receive blocks until a job is available, the context is done, or the
// queue is closed.
func (s *Store) Receive(ctx context.Context) (*queue.Delivery, error) {
	// Wake the cond waiter when the context ends.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil, workroom.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.ready) > 0 {
			jobID := s.ready[0]
			s.ready = s.ready[1:]
			return s.deliverLocked(jobID), nil
		}
		s.cond.Wait()
	}
}

// deliverLocked mints a lease for the job. Caller holds s.mu.
func (s *Store) deliverLocked(jobID id.JobID) *queue.Delivery {
	key := jobID.String()
	s.attempts[key]++
	l := &lease{
		token:   id.NewDeliveryID(),
		expires: s.now().Add(s.leaseTimeout),
	}
	s.inflight[key] = l
	return &queue.Delivery{
		JobID:   jobID,
		Token:   l.token,
		Attempt: s.attempts[key],
	}
}

// Ack completes the delivery. A stale token is a silent no-op; the
// redelivery already owns the job.
func (s *Store) Ack(_ context.Context, d *queue.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.JobID.String()
	l, ok := s.inflight[key]
	if !ok || l.token.String() != d.Token.String() {
		return nil
	}
	delete(s.inflight, key)
	delete(s.attempts, key)
	return nil
}

// Extend renews the delivery's lease.
func (s *Store) Extend(_ context.Context, d *queue.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.JobID.String()
	l, ok := s.inflight[key]
	if !ok || l.token.String() != d.Token.String() {
		return workroom.ErrLeaseExpired
	}
	l.expires = s.now().Add(s.leaseTimeout)
	return nil
}

// ReapExpired returns jobs with expired leases to the ready state.
func (s *Store) ReapExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	for key, l := range s.inflight {
		if l.expires.After(now) {
			continue
		}
		delete(s.inflight, key)
		jobID, err := id.ParseJobID(key)
		if err != nil {
			continue
		}
		s.ready = append(s.ready, jobID)
		reaped++
		s.cond.Signal()
	}
	return reaped, nil
}

// Close stops delivery and unblocks Receive callers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
