// Package redis implements store.Store using Redis for multi-process
// deployments without a relational database. Jobs are stored as Redis
// Hashes, the queue is a List with a Sorted Set tracking delivery
// leases, and idempotency reservations are plain keys claimed inside a
// Lua script so concurrent submissions resolve to a single job.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
)

// Compile-time interface checks.
var (
	_ job.Store   = (*Store)(nil)
	_ queue.Queue = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLeaseTimeout overrides the delivery lease window.
func WithLeaseTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.leaseTimeout = d
		}
	}
}

// WithPollInterval sets how often Receive polls for ready jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger

	leaseTimeout time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	doneCh chan struct{}
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:       client,
		logger:       slog.Default(),
		leaseTimeout: queue.LeaseTimeout,
		pollInterval: 100 * time.Millisecond,
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops delivery. The Redis client itself is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.doneCh)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
