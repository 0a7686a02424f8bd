// Package worker provides the job execution engine — an Executor that
// runs one delivery through the status machine, middleware, and the
// registered handler, and a Pool that manages concurrent execution
// slots consuming from the durable queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/middleware"
	"github.com/workroom-io/workroom/queue"
	"github.com/workroom-io/workroom/result"
)

// Notifier publishes job lifecycle events to connected clients. The
// session synchronizer satisfies this; tests use a recorder.
type Notifier interface {
	Notify(ctx context.Context, evt *event.Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, evt *event.Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, evt *event.Event) error { return f(ctx, evt) }

// Executor runs a single delivery: claims the job via the queued→running
// compare-and-swap, executes the handler through middleware with a
// cooperative cancel watcher, persists the result, and publishes the
// completion event.
type Executor struct {
	registry *job.Registry
	store    job.Store
	results  result.Store
	notifier Notifier
	mw       middleware.Middleware
	logger   *slog.Logger

	cancelPollInterval time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCancelPollInterval sets how often the cancel flag is polled while
// a job runs.
func WithCancelPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.cancelPollInterval = d
		}
	}
}

// WithMiddleware wraps handler execution with the given middleware,
// applied outermost-first.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) {
		e.mw = middleware.Chain(mws...)
	}
}

// NewExecutor creates an Executor with the given dependencies. notifier
// may be nil when no clients need lifecycle events (tests, batch tools).
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	results result.Store,
	notifier Notifier,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:           registry,
		store:              store,
		results:            results,
		notifier:           notifier,
		mw:                 middleware.Chain(),
		logger:             logger,
		cancelPollInterval: workroom.DefaultConfig().CancelPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes one delivery to a terminal decision. A nil return
// means the delivery is settled (executed, cancelled, or recognized as
// a duplicate) and must be acked; an error means infrastructure failed
// mid-flight and the lease should lapse so the job is redelivered.
func (e *Executor) Execute(ctx context.Context, d *queue.Delivery) error {
	j, err := e.store.GetJob(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, workroom.ErrJobNotFound) {
			// Purged or never stored; nothing to execute.
			e.logger.Warn("delivery for unknown job", slog.String("job_id", d.JobID.String()))
			return nil
		}
		return fmt.Errorf("worker: load job %s: %w", d.JobID, err)
	}

	// Cancel requested while still queued: never start the handler.
	if j.CancelRequested {
		if _, err := e.store.Transition(ctx, j.ID, job.StatusQueued, job.StatusCancelled); err != nil {
			if errors.Is(err, workroom.ErrInvalidTransition) {
				return nil // someone else already moved it
			}
			return fmt.Errorf("worker: cancel queued job %s: %w", j.ID, err)
		}
		j.Status = job.StatusCancelled
		e.notify(ctx, j, "")
		return nil
	}

	// Claim the job. A duplicate delivery finds it already running or
	// terminal and is settled silently; a lease-expiry redelivery
	// finds it running under a stale attempt and re-claims it.
	claimed, err := e.claim(ctx, j, d)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	handler, ok := e.registry.Get(j.Kind)
	if !ok {
		return e.settleFailure(ctx, j, fmt.Errorf("no handler registered for job kind %q", j.Kind))
	}

	// Cooperative cancellation: a watcher polls the cancel flag and
	// cancels the handler context. The handler observes it at its
	// checkpoints.
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	watchDone := make(chan struct{})
	go e.watchCancel(execCtx, j, cancelExec, watchDone)

	var resultBody string
	terminal := func(ctx context.Context) error {
		var handlerErr error
		resultBody, handlerErr = handler.Fn(ctx, j.Payload)
		return handlerErr
	}

	start := time.Now()
	execErr := e.mw(execCtx, j, terminal)
	elapsed := time.Since(start)

	cancelExec()
	<-watchDone

	if execErr != nil {
		if e.wasCancelled(ctx, j, execErr) {
			return e.settleCancelled(ctx, j)
		}
		return e.settleFailure(ctx, j, execErr)
	}
	return e.settleSuccess(ctx, j, resultBody, elapsed)
}

// claim takes ownership of the delivery. It reports false when the
// delivery is a duplicate that should be acked without executing, and
// mutates j to the claimed record when it reports true.
func (e *Executor) claim(ctx context.Context, j *job.Job, d *queue.Delivery) (bool, error) {
	_, err := e.store.Transition(ctx, j.ID, job.StatusQueued, job.StatusRunning)
	if err == nil {
		j.Status = job.StatusRunning
		j.Attempt = d.Attempt
		if err := e.store.SetAttempt(ctx, j.ID, d.Attempt); err != nil {
			e.logger.Warn("failed to record attempt",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return true, nil
	}
	if !errors.Is(err, workroom.ErrInvalidTransition) {
		return false, fmt.Errorf("worker: claim job %s: %w", j.ID, err)
	}

	// The CAS lost because the job is no longer queued. Distinguish a
	// worker that died after claiming from a concurrent duplicate: the
	// queue redelivers under a higher attempt than the dead worker
	// recorded, so the stale running record can be adopted.
	cur, err := e.store.GetJob(ctx, j.ID)
	if err != nil {
		if errors.Is(err, workroom.ErrJobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("worker: reload job %s: %w", j.ID, err)
	}
	if cur.Status != job.StatusRunning || d.Attempt <= cur.Attempt {
		e.logger.Debug("skipping duplicate delivery",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", d.Attempt),
		)
		return false, nil
	}

	re, err := e.store.Reclaim(ctx, j.ID, cur.Attempt, d.Attempt)
	if err != nil {
		if errors.Is(err, workroom.ErrInvalidTransition) {
			// Lost the race to another holder; its settle owns the job.
			return false, nil
		}
		return false, fmt.Errorf("worker: reclaim job %s: %w", j.ID, err)
	}
	*j = *re
	e.logger.Info("re-claimed abandoned job",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", d.Attempt),
	)
	return true, nil
}

// watchCancel polls the job's cancel flag until execution ends and
// cancels the handler context when the flag is set.
func (e *Executor) watchCancel(ctx context.Context, j *job.Job, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := e.store.CancelRequested(ctx, j.ID)
			if err != nil {
				continue
			}
			if flagged {
				e.logger.Info("cancel requested, stopping job",
					slog.String("job_id", j.ID.String()),
					slog.String("job_kind", j.Kind),
				)
				cancel()
				return
			}
		}
	}
}

// wasCancelled decides whether a handler error is the cooperative-cancel
// path rather than a genuine failure.
func (e *Executor) wasCancelled(ctx context.Context, j *job.Job, execErr error) bool {
	if errors.Is(execErr, workroom.ErrJobCancelled) {
		return true
	}
	if !errors.Is(execErr, context.Canceled) {
		return false
	}
	flagged, err := e.store.CancelRequested(ctx, j.ID)
	return err == nil && flagged
}

func (e *Executor) settleSuccess(ctx context.Context, j *job.Job, body string, elapsed time.Duration) error {
	ref, err := e.results.Put(ctx, j.ID, j.OwnerID, body)
	if err != nil {
		return fmt.Errorf("worker: store result for %s: %w", j.ID, err)
	}
	if err := e.store.SetResultRef(ctx, j.ID, ref, ""); err != nil {
		return fmt.Errorf("worker: record result ref for %s: %w", j.ID, err)
	}
	if _, err := e.store.Transition(ctx, j.ID, job.StatusRunning, job.StatusSucceeded); err != nil {
		if errors.Is(err, workroom.ErrInvalidTransition) {
			// Cancelled between completion and this write; the cancel
			// side owns the terminal status and its event.
			return nil
		}
		return fmt.Errorf("worker: complete job %s: %w", j.ID, err)
	}
	j.Status = job.StatusSucceeded
	j.ResultRef = ref
	e.notify(ctx, j, "")
	e.logger.Info("job succeeded",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) settleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	// Failure detail rides the result store like any output; the job
	// row keeps only the short error string.
	ref, putErr := e.results.Put(ctx, j.ID, j.OwnerID, handlerErr.Error())
	if putErr != nil {
		e.logger.Warn("failed to store error detail",
			slog.String("job_id", j.ID.String()),
			slog.String("error", putErr.Error()),
		)
		ref = ""
	}
	if err := e.store.SetResultRef(ctx, j.ID, ref, handlerErr.Error()); err != nil {
		return fmt.Errorf("worker: record failure for %s: %w", j.ID, err)
	}
	if _, err := e.store.Transition(ctx, j.ID, job.StatusRunning, job.StatusFailed); err != nil {
		if errors.Is(err, workroom.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("worker: fail job %s: %w", j.ID, err)
	}
	j.Status = job.StatusFailed
	j.ResultRef = ref
	j.LastError = handlerErr.Error()
	e.notify(ctx, j, handlerErr.Error())
	return nil
}

func (e *Executor) settleCancelled(ctx context.Context, j *job.Job) error {
	if _, err := e.store.Transition(ctx, j.ID, job.StatusRunning, job.StatusCancelled); err != nil {
		if errors.Is(err, workroom.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("worker: cancel job %s: %w", j.ID, err)
	}
	j.Status = job.StatusCancelled
	e.notify(ctx, j, "")
	return nil
}

// notify publishes the job lifecycle event for connected clients.
// Notification loss is acceptable; clients can always poll the job.
func (e *Executor) notify(ctx context.Context, j *job.Job, errDetail string) {
	if e.notifier == nil {
		return
	}
	var evtType event.Type
	switch j.Status {
	case job.StatusSucceeded:
		evtType = event.TypeJobCompleted
	case job.StatusFailed:
		evtType = event.TypeJobFailed
	case job.StatusCancelled:
		evtType = event.TypeJobCancelled
	default:
		return
	}

	payload, _ := json.Marshal(event.JobPayload{ //nolint:errcheck // static struct
		JobID:     j.ID.String(),
		OwnerID:   j.OwnerID,
		Kind:      j.Kind,
		Status:    string(j.Status),
		ResultRef: j.ResultRef,
		Error:     errDetail,
	})
	evt := &event.Event{
		Type:        evtType,
		WorkspaceID: j.WorkspaceID,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		e.logger.Warn("failed to publish job event",
			slog.String("job_id", j.ID.String()),
			slog.String("event_type", string(evtType)),
			slog.String("error", err.Error()),
		)
	}
}
