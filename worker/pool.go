package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
)

// AdmissionManager controls per-kind and per-owner rate limiting and
// concurrency. The pool calls Acquire before executing a delivery and
// Release after execution completes.
type AdmissionManager interface {
	// Acquire checks rate limits and concurrency for the kind/owner
	// combination. Returns true if the job is allowed to proceed.
	Acquire(kind, ownerID string) bool
	// Release decrements the active count for the kind/owner pair.
	Release(kind, ownerID string)
}

// Pool manages a set of concurrent execution slots consuming from the
// durable queue. Each slot owns at most one delivery at a time and
// settles it on every exit path; recovery from a crashed slot relies on
// lease expiry and queue redelivery.
type Pool struct {
	queue    queue.Queue
	store    job.Store
	executor *Executor
	workerID id.WorkerID
	logger   *slog.Logger

	concurrency       int
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	denyDelay         time.Duration

	admission AdmissionManager

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]*activeDelivery // jobID → in-flight state
}

type activeDelivery struct {
	delivery *queue.Delivery
	cancel   context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent execution slots.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithHeartbeatInterval sets how often leases of in-flight deliveries
// are extended. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithReapInterval sets how often the pool sweeps expired leases back
// to the ready state. A zero value disables reaping on this process.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithAdmission sets the admission manager for rate limiting and
// concurrency control.
func WithAdmission(m AdmissionManager) PoolOption {
	return func(p *Pool) { p.admission = m }
}

// NewPool creates a worker pool.
func NewPool(
	q queue.Queue,
	store job.Store,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	cfg := workroom.DefaultConfig()
	p := &Pool{
		queue:             q,
		store:             store,
		executor:          executor,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		concurrency:       cfg.Concurrency,
		heartbeatInterval: cfg.LeaseHeartbeat,
		reapInterval:      cfg.LeaseTimeout / 2,
		denyDelay:         time.Second,
		stopCh:            make(chan struct{}),
		active:            make(map[string]*activeDelivery),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the execution slots. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.receiveLoop(runCtx)
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	if p.reapInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all slots to stop and waits for them to finish. If the
// context expires first, active jobs are cancelled; their unacked
// deliveries lapse and are redelivered elsewhere.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// receiveLoop is run by each execution slot.
func (p *Pool) receiveLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, workroom.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("receive error", slog.String("error", err.Error()))
			p.sleep(p.denyDelay)
			continue
		}

		p.handle(ctx, d)
	}
}

// handle runs one delivery through admission and the executor.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	j, err := p.store.GetJob(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, workroom.ErrJobNotFound) {
			// Nothing to run; settle the delivery.
			if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
				p.logger.Warn("ack of orphan delivery failed",
					slog.String("job_id", d.JobID.String()),
					slog.String("error", ackErr.Error()),
				)
			}
			return
		}
		p.logger.Error("load job for admission failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
		// Lease lapses, redelivered. A persistently failing store must
		// not spin this slot hot against the queue.
		p.sleep(p.denyDelay)
		return
	}

	if p.admission != nil && !p.admission.Acquire(j.Kind, j.OwnerID) {
		// Denied: leave the delivery unacked so it comes back after the
		// lease expires, and slow this slot down briefly.
		p.logger.Debug("admission denied, deferring job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_kind", j.Kind),
		)
		p.sleep(p.denyDelay)
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	p.track(d, cancel)

	execErr := p.executor.Execute(execCtx, d)

	p.untrack(d)
	cancel()
	if p.admission != nil {
		p.admission.Release(j.Kind, j.OwnerID)
	}

	if execErr != nil {
		// Infra failure mid-flight: do not ack; the lease lapses and
		// the job is redelivered.
		p.logger.Error("execution not settled, leaving for redelivery",
			slog.String("job_id", d.JobID.String()),
			slog.Int("attempt", d.Attempt),
			slog.String("error", execErr.Error()),
		)
		return
	}

	if err := p.queue.Ack(context.Background(), d); err != nil {
		p.logger.Warn("ack failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop extends leases of in-flight deliveries. A delivery
// whose lease was lost (superseded by redelivery) has its execution
// cancelled; the new holder owns the job.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.extendLeases()
		}
	}
}

func (p *Pool) extendLeases() {
	p.activeMu.Lock()
	snapshot := make([]*activeDelivery, 0, len(p.active))
	for _, ad := range p.active {
		snapshot = append(snapshot, ad)
	}
	p.activeMu.Unlock()

	for _, ad := range snapshot {
		err := p.queue.Extend(context.Background(), ad.delivery)
		if err == nil {
			continue
		}
		if errors.Is(err, workroom.ErrLeaseExpired) {
			p.logger.Warn("lease lost, cancelling local execution",
				slog.String("job_id", ad.delivery.JobID.String()),
			)
			ad.cancel()
			continue
		}
		p.logger.Warn("lease extension failed",
			slog.String("job_id", ad.delivery.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// reaperLoop sweeps expired leases back to ready for redelivery.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.ReapExpired(context.Background())
			if err != nil {
				p.logger.Error("reap expired leases failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Info("requeued expired deliveries", slog.Int("count", n))
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) track(d *queue.Delivery, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[d.JobID.String()] = &activeDelivery{delivery: d, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(d *queue.Delivery) {
	p.activeMu.Lock()
	delete(p.active, d.JobID.String())
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, ad := range p.active {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		ad.cancel()
	}
}
