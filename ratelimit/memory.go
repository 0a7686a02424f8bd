package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 16

// Memory is an in-process sliding-window limiter. State is per-process;
// use the Redis limiter when admission must hold across processes.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	shards [memoryShards]*memoryShard
}

type memoryShard struct {
	mu   sync.Mutex
	keys map[string][]time.Time
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Tests use this to replay
// timestamped request traces deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a limiter allowing limit requests per sliding
// window.
func NewMemory(limit int, window time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{keys: make(map[string][]time.Time)}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ Limiter = (*Memory)(nil)

// Admit records one request for the key and decides whether it fits in
// the trailing window.
func (m *Memory) Admit(_ context.Context, key string) (Decision, error) {
	s := m.shardFor(key)
	now := m.now()
	cutoff := now.Add(-m.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.keys[key]
	// Drop entries that left the window. Stamps are append-ordered, so
	// the live suffix starts at the first in-window entry.
	live := 0
	for live < len(stamps) && !stamps[live].After(cutoff) {
		live++
	}
	stamps = stamps[live:]

	if len(stamps) >= m.limit {
		s.keys[key] = stamps
		retry := stamps[0].Add(m.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allowed:    false,
			Limit:      m.limit,
			Remaining:  0,
			RetryAfter: retry,
		}, nil
	}

	stamps = append(stamps, now)
	s.keys[key] = stamps
	return Decision{
		Allowed:   true,
		Limit:     m.limit,
		Remaining: m.limit - len(stamps),
	}, nil
}

// PurgeIdle removes keys whose every recorded request has left the
// window and returns how many keys were removed. Called periodically by
// the janitor so idle subjects do not accumulate.
func (m *Memory) PurgeIdle() int {
	cutoff := m.now().Add(-m.window)
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, stamps := range s.keys {
			if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
				delete(s.keys, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // fnv Write cannot fail
	return m.shards[h.Sum32()%memoryShards]
}
