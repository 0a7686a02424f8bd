// Package janitor runs scheduled retention maintenance: purging
// terminal jobs and stored results past the retention window, reaping
// expired queue leases, and dropping idle rate-limiter state.
//
// Reaping also runs inside each worker pool; the janitor covers
// deployments where every pool is down while leases expire.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
	"github.com/workroom-io/workroom/result"
)

// IdlePurger drops rate-limiter state for subjects with no recent
// requests. ratelimit.Memory satisfies this.
type IdlePurger interface {
	PurgeIdle() int
}

// janitorParser supports standard 5-field cron and descriptors like
// "@every 1h".
var janitorParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithRetention sets how long terminal jobs and results are kept.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithResultStore adds a result store to the purge cycle.
func WithResultStore(s result.Store) Option {
	return func(j *Janitor) { j.results = s }
}

// WithLimiters adds rate limiters whose idle state is dropped on each
// purge cycle.
func WithLimiters(ls ...IdlePurger) Option {
	return func(j *Janitor) { j.limiters = append(j.limiters, ls...) }
}

// WithTickInterval sets how often due schedules are checked.
func WithTickInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.tickInterval = d
		}
	}
}

// Janitor owns the maintenance schedules for one process.
type Janitor struct {
	store    job.Store
	queue    queue.Queue
	results  result.Store
	limiters []IdlePurger
	logger   *slog.Logger

	retention    time.Duration
	tickInterval time.Duration
	purgeSched   cronlib.Schedule
	reapSched    cronlib.Schedule

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Janitor over the job store and queue. The purge and
// reap expressions accept standard cron syntax or descriptors; the
// defaults purge hourly and reap every 30 seconds.
func New(store job.Store, q queue.Queue, purgeExpr, reapExpr string, opts ...Option) (*Janitor, error) {
	if purgeExpr == "" {
		purgeExpr = "@every 1h"
	}
	if reapExpr == "" {
		reapExpr = "@every 30s"
	}
	purgeSched, err := janitorParser.Parse(purgeExpr)
	if err != nil {
		return nil, fmt.Errorf("janitor: invalid purge schedule %q: %w", purgeExpr, err)
	}
	reapSched, err := janitorParser.Parse(reapExpr)
	if err != nil {
		return nil, fmt.Errorf("janitor: invalid reap schedule %q: %w", reapExpr, err)
	}

	j := &Janitor{
		store:        store,
		queue:        q,
		logger:       slog.Default(),
		retention:    24 * time.Hour,
		tickInterval: time.Second,
		purgeSched:   purgeSched,
		reapSched:    reapSched,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start launches the schedule loop.
func (j *Janitor) Start(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}
	j.started = true

	j.wg.Add(1)
	go j.loop()

	j.logger.Info("janitor started",
		slog.Duration("retention", j.retention),
	)
	return nil
}

// Stop halts the schedule loop. A cycle already running finishes.
func (j *Janitor) Stop(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return nil
	}
	j.started = false
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	now := time.Now()
	nextPurge := j.purgeSched.Next(now)
	nextReap := j.reapSched.Next(now)

	ticker := time.NewTicker(j.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case now := <-ticker.C:
			if now.After(nextReap) {
				j.RunReap(context.Background())
				nextReap = j.reapSched.Next(now)
			}
			if now.After(nextPurge) {
				j.RunPurge(context.Background())
				nextPurge = j.purgeSched.Next(now)
			}
		}
	}
}

// RunPurge executes one retention cycle: terminal jobs, stored results,
// and idle limiter state. Errors are logged, not returned; the next
// cycle retries.
func (j *Janitor) RunPurge(ctx context.Context) {
	jobs, err := j.store.PurgeTerminal(ctx, j.retention)
	if err != nil {
		j.logger.Error("terminal job purge failed", slog.String("error", err.Error()))
	}

	var results int64
	if j.results != nil {
		results, err = j.results.Purge(ctx, j.retention)
		if err != nil {
			j.logger.Error("result purge failed", slog.String("error", err.Error()))
		}
	}

	idle := 0
	for _, l := range j.limiters {
		idle += l.PurgeIdle()
	}

	if jobs > 0 || results > 0 || idle > 0 {
		j.logger.Info("retention purge complete",
			slog.Int64("jobs", jobs),
			slog.Int64("results", results),
			slog.Int("idle_limiter_keys", idle),
		)
	}
}

// RunReap returns expired queue leases to the ready state.
func (j *Janitor) RunReap(ctx context.Context) {
	n, err := j.queue.ReapExpired(ctx)
	if err != nil {
		j.logger.Error("lease reap failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		j.logger.Info("expired leases requeued", slog.Int("count", n))
	}
}
