// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and single-node
// development; state does not survive the process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
)

// Verify each contract separately rather than importing the aggregate
// store package; backends stay importable from anywhere.
var (
	_ job.Store   = (*Store)(nil)
	_ queue.Queue = (*Store)(nil)
)

// Store is the in-memory composite backend.
type Store struct {
	mu sync.Mutex

	jobs map[string]*job.Job
	// reservations maps an owner's idempotency key to the job id
	// holding it. A reservation exists exactly while that job is
	// non-terminal.
	reservations map[string]string

	// Queue state.
	cond     *sync.Cond
	ready    []id.JobID
	inflight map[string]*lease // jobID → active lease
	attempts map[string]int    // jobID → delivery count

	leaseTimeout time.Duration
	now          func() time.Time
	closed       bool
}

type lease struct {
	token   id.DeliveryID
	expires time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLeaseTimeout overrides the delivery visibility window.
func WithLeaseTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.leaseTimeout = d
		}
	}
}

// WithClock overrides the time source for lease expiry. Tests use this
// to force redelivery without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:         make(map[string]*job.Job),
		reservations: make(map[string]string),
		inflight:     make(map[string]*lease),
		attempts:     make(map[string]int),
		leaseTimeout: queue.LeaseTimeout,
		now:          time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s
}

func reservationKey(ownerID, idempotencyKey string) string {
	return ownerID + "\x00" + idempotencyKey
}

// CreateJob inserts the job unless a non-terminal job already holds the
// (owner, idempotency key) reservation.
func (s *Store) CreateJob(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, workroom.ErrStoreClosed
	}

	if j.IdempotencyKey != "" {
		key := reservationKey(j.OwnerID, j.IdempotencyKey)
		if existingID, ok := s.reservations[key]; ok {
			existing := s.jobs[existingID]
			return existing.Clone(), false, nil
		}
		s.reservations[key] = j.ID.String()
	}

	cp := j.Clone()
	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.jobs[cp.ID.String()] = cp
	return cp.Clone(), true, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, workroom.ErrJobNotFound
	}
	return j.Clone(), nil
}

// Transition compares-and-swaps the job's status.
func (s *Store) Transition(_ context.Context, jobID id.JobID, from, to job.Status) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, workroom.ErrJobNotFound
	}
	if j.Status != from || !job.CanTransition(from, to) {
		return nil, workroom.ErrInvalidTransition
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	switch {
	case to == job.StatusRunning:
		t := now
		j.StartedAt = &t
	case to.IsTerminal():
		t := now
		j.CompletedAt = &t
		if j.IdempotencyKey != "" {
			key := reservationKey(j.OwnerID, j.IdempotencyKey)
			if s.reservations[key] == j.ID.String() {
				delete(s.reservations, key)
			}
		}
	}
	return j.Clone(), nil
}

// RequestCancel sets the job's cancel flag unless it is terminal.
func (s *Store) RequestCancel(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, workroom.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return nil, workroom.ErrInvalidTransition
	}
	if !j.CancelRequested {
		j.CancelRequested = true
		j.UpdatedAt = s.now()
	}
	return j.Clone(), nil
}

// CancelRequested reports whether cancellation has been requested.
func (s *Store) CancelRequested(_ context.Context, jobID id.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return false, workroom.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

// SetResultRef records the result reference and error detail.
func (s *Store) SetResultRef(_ context.Context, jobID id.JobID, ref, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return workroom.ErrJobNotFound
	}
	j.ResultRef = ref
	j.LastError = errDetail
	j.UpdatedAt = s.now()
	return nil
}

// SetAttempt records the delivery attempt the job is executing under.
func (s *Store) SetAttempt(_ context.Context, jobID id.JobID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return workroom.ErrJobNotFound
	}
	j.Attempt = attempt
	j.UpdatedAt = s.now()
	return nil
}

// Reclaim adopts a running job abandoned by a dead worker.
func (s *Store) Reclaim(_ context.Context, jobID id.JobID, fromAttempt, toAttempt int) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, workroom.ErrJobNotFound
	}
	if j.Status != job.StatusRunning || j.Attempt != fromAttempt {
		return nil, workroom.ErrInvalidTransition
	}
	j.Attempt = toAttempt
	j.UpdatedAt = s.now()
	return j.Clone(), nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *Store) ListJobsByOwner(_ context.Context, ownerID string, opts job.ListOpts) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// PurgeTerminal deletes terminal jobs completed before the retention
// window.
func (s *Store) PurgeTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var removed int64
	for key, j := range s.jobs {
		if !j.Status.IsTerminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			delete(s.jobs, key)
			delete(s.attempts, key)
			removed++
		}
	}
	return removed, nil
}

// Migrate is a no-op for the in-memory backend.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return workroom.ErrStoreClosed
	}
	return nil
}
