// Package node wires the collaboration and job subsystems into one
// runnable process: connection registry, session synchronizer, job
// store, durable queue, worker pool, and submission admission. The API
// and WebSocket layers sit on top of a Node; cmd/workroomd builds one
// from configuration.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/bus"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/middleware"
	"github.com/workroom-io/workroom/queue"
	"github.com/workroom-io/workroom/ratelimit"
	"github.com/workroom-io/workroom/registry"
	"github.com/workroom-io/workroom/result"
	"github.com/workroom-io/workroom/syncer"
	"github.com/workroom-io/workroom/worker"
)

// ThrottledError reports a denied job submission. It unwraps to
// workroom.ErrThrottled; RetryAfter feeds the API's Retry-After header.
type ThrottledError struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("workroom: rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *ThrottledError) Unwrap() error { return workroom.ErrThrottled }

// Node is one workroom process. It owns the local connection registry
// and synchronizer for real-time sessions, and a worker pool consuming
// the shared durable queue.
type Node struct {
	cfg    workroom.Config
	logger *slog.Logger

	reg     *registry.Registry
	sync    *syncer.Synchronizer
	store   job.Store
	queue   queue.Queue
	results result.Store
	jobs    *job.Registry
	pool    *worker.Pool

	submit    ratelimit.Limiter
	admission *queue.Manager

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	extraMws       []middleware.Middleware
	queueConfigs   []queue.Config

	mu      sync.Mutex
	started bool
}

// Option configures a Node before it is built.
type Option func(*Node)

// WithConfig replaces the default configuration.
func WithConfig(cfg workroom.Config) Option {
	return func(n *Node) { n.cfg = cfg }
}

// WithLogger sets the structured logger for the node and every
// subsystem it builds.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithSubmitLimiter replaces the in-memory submission limiter, e.g.
// with ratelimit.NewRedis so the per-owner budget spans all nodes.
func WithSubmitLimiter(l ratelimit.Limiter) Option {
	return func(n *Node) { n.submit = l }
}

// WithResultStore replaces the in-memory result store.
func WithResultStore(s result.Store) Option {
	return func(n *Node) { n.results = s }
}

// WithMiddleware appends execution middleware after the default stack.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(n *Node) { n.extraMws = append(n.extraMws, mws...) }
}

// WithQueueConfig sets per-kind concurrency and rate limits enforced by
// the worker pool at dequeue time.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(n *Node) { n.queueConfigs = append(n.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the
// execution tracing middleware. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Node) { n.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the execution
// metrics middleware. The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(n *Node) { n.meterProvider = mp }
}

// New builds a Node over the given persistence, queue, and bus. The
// result store defaults to in-memory; pass WithResultStore for a
// durable backend.
func New(store job.Store, q queue.Queue, b bus.Bus, opts ...Option) (*Node, error) {
	if store == nil {
		return nil, workroom.ErrNoStore
	}
	if q == nil {
		return nil, fmt.Errorf("node: nil queue")
	}
	if b == nil {
		return nil, fmt.Errorf("node: nil bus")
	}

	n := &Node{
		cfg:    workroom.DefaultConfig(),
		logger: slog.Default(),
		store:  store,
		queue:  q,
		jobs:   job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.results == nil {
		n.results = result.NewMemory()
	}
	if n.submit == nil {
		n.submit = ratelimit.NewMemory(n.cfg.SubmitLimit, n.cfg.SubmitWindow)
	}

	n.reg = registry.New(id.NewProcessID(),
		registry.WithOutboxSize(n.cfg.ConnOutbox),
		registry.WithLogger(n.logger),
	)
	n.sync = syncer.New(n.reg, b,
		syncer.WithLogger(n.logger),
		syncer.WithPendingBuffer(n.cfg.PendingEventBuffer),
	)

	// Tracing middleware, custom provider or global.
	var tracingMw middleware.Middleware
	if n.tracerProvider != nil {
		tracer := n.tracerProvider.Tracer("github.com/workroom-io/workroom")
		tracingMw = middleware.TracingWithTracer(tracer)
	} else {
		tracingMw = middleware.Tracing()
	}

	// Metrics middleware, custom provider or global.
	var metricsMw middleware.Middleware
	if n.meterProvider != nil {
		meter := n.meterProvider.Meter("github.com/workroom-io/workroom")
		metricsMw = middleware.MetricsWithMeter(meter)
	} else {
		metricsMw = middleware.Metrics()
	}

	mws := []middleware.Middleware{
		middleware.Recover(n.logger),
		tracingMw,
		metricsMw,
		middleware.Logging(n.logger),
		middleware.Owner(),
		middleware.Timeout(n.logger, n.jobs),
	}
	mws = append(mws, n.extraMws...)

	executor := worker.NewExecutor(n.jobs, n.store, n.results,
		worker.NotifierFunc(n.notify), n.logger,
		worker.WithCancelPollInterval(n.cfg.CancelPollInterval),
		worker.WithMiddleware(mws...),
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(n.cfg.Concurrency),
		worker.WithHeartbeatInterval(n.cfg.LeaseHeartbeat),
	}
	if len(n.queueConfigs) > 0 {
		n.admission = queue.NewManager(n.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithAdmission(n.admission))
	}
	n.pool = worker.NewPool(q, n.store, executor, n.logger, poolOpts...)

	return n, nil
}

// Register registers a typed job definition with the node.
//
// Package-level generic function because Go does not allow generic
// methods on non-generic receiver types.
func Register[T any](n *Node, def *job.Definition[T]) {
	job.RegisterDefinition(n.jobs, def)
}

// notify delivers a job lifecycle event to sessions: local connections
// via fan-out, remote nodes via the bus. Jobs submitted outside any
// workspace have no session audience and are skipped.
func (n *Node) notify(ctx context.Context, evt *event.Event) error {
	if evt.WorkspaceID == "" {
		return nil
	}
	return n.sync.Broadcast(ctx, nil, evt)
}

// SubmitJob admits, persists, and enqueues a job. It returns the
// authoritative record and whether this call created it: a live
// idempotency-key holder is returned with created=false and is not
// re-enqueued. A denied admission returns *ThrottledError.
func (n *Node) SubmitJob(ctx context.Context, ownerID, workspaceID, idempotencyKey, kind string, payload []byte) (*job.Job, bool, error) {
	decision, err := n.submit.Admit(ctx, "owner:"+ownerID)
	if err != nil {
		// Limiter backend down: admit rather than block all submissions.
		n.logger.Warn("submit limiter unavailable, admitting",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	} else if !decision.Allowed {
		return nil, false, &ThrottledError{RetryAfter: decision.RetryAfter, Limit: decision.Limit}
	}

	j := job.New(ownerID, workspaceID, idempotencyKey, kind, payload)
	stored, created, err := n.store.CreateJob(ctx, j)
	if err != nil {
		return nil, false, fmt.Errorf("node: create job: %w", err)
	}
	if created {
		if err := n.queue.Enqueue(ctx, stored.ID); err != nil {
			return nil, false, fmt.Errorf("node: enqueue job %s: %w", stored.ID, err)
		}
		n.logger.Info("job submitted",
			slog.String("job_id", stored.ID.String()),
			slog.String("owner_id", ownerID),
			slog.String("kind", kind),
		)
	}
	return stored, created, nil
}

// GetJob retrieves a job, scoped to its owner. A job belonging to
// another owner is reported as not found.
func (n *Node) GetJob(ctx context.Context, ownerID string, jobID id.JobID) (*job.Job, error) {
	j, err := n.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, workroom.ErrJobNotFound
	}
	return j, nil
}

// ListJobs returns the owner's jobs, newest first.
func (n *Node) ListJobs(ctx context.Context, ownerID string, opts job.ListOpts) ([]*job.Job, error) {
	return n.store.ListJobsByOwner(ctx, ownerID, opts)
}

// CancelJob flags the owner's job for cancellation and returns the
// current record. Terminal jobs fail with ErrInvalidTransition.
func (n *Node) CancelJob(ctx context.Context, ownerID string, jobID id.JobID) (*job.Job, error) {
	if _, err := n.GetJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	return n.store.RequestCancel(ctx, jobID)
}

// JobResult fetches the stored result body for the owner's job.
// Returns ErrResultNotFound when the job has not produced one.
func (n *Node) JobResult(ctx context.Context, ownerID string, jobID id.JobID) (*result.Record, error) {
	j, err := n.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if j.ResultRef == "" {
		return nil, workroom.ErrResultNotFound
	}
	return n.results.Get(ctx, j.ResultRef)
}

// Presence reports the users connected to a workspace on this node.
func (n *Node) Presence(workspaceID string) *event.WorkspaceStatePayload {
	conns := n.reg.ListByWorkspace(workspaceID)
	state := &event.WorkspaceStatePayload{
		ActiveUsers: make([]event.PresenceEntry, 0, len(conns)),
	}
	seen := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if _, dup := seen[c.UserID]; dup {
			continue
		}
		seen[c.UserID] = struct{}{}
		state.ActiveUsers = append(state.ActiveUsers, event.PresenceEntry{
			UserID:      c.UserID,
			ConnectedAt: c.ConnectedAt,
		})
	}
	state.UserCount = len(state.ActiveUsers)
	return state
}

// Start launches the synchronizer and the worker pool.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	n.started = true

	n.logger.Info("node starting",
		slog.String("process_id", n.reg.ProcessID().String()),
		slog.Int("concurrency", n.cfg.Concurrency),
		slog.Int("job_kinds", len(n.jobs.Kinds())),
	)

	n.sync.Start()
	return n.pool.Start(ctx)
}

// Stop shuts the node down: the pool first, so running jobs settle and
// publish their completion events while sessions are still attached,
// then the synchronizer and registry.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.mu.Unlock()

	n.logger.Info("node stopping")

	if err := n.pool.Stop(ctx); err != nil {
		n.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	n.sync.Stop()
	n.reg.Close()

	if err := n.queue.Close(); err != nil {
		return fmt.Errorf("node: close queue: %w", err)
	}
	return nil
}

// Registry returns the node's connection registry.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Synchronizer returns the node's session synchronizer.
func (n *Node) Synchronizer() *syncer.Synchronizer { return n.sync }

// Jobs returns the job kind registry.
func (n *Node) Jobs() *job.Registry { return n.jobs }

// Pool returns the worker pool.
func (n *Node) Pool() *worker.Pool { return n.pool }

// Store returns the job store.
func (n *Node) Store() job.Store { return n.store }

// Queue returns the durable queue.
func (n *Node) Queue() queue.Queue { return n.queue }

// Results returns the result store.
func (n *Node) Results() result.Store { return n.results }

// Config returns the node's configuration.
func (n *Node) Config() workroom.Config { return n.cfg }
