package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/queue"
	"github.com/workroom-io/workroom/result"
	"github.com/workroom-io/workroom/store/memory"
	"github.com/workroom-io/workroom/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures published lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) Notify(_ context.Context, evt *event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) byType(t event.Type) []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *memory.Store
	results  *result.Memory
	registry *job.Registry
	recorder *recorder
	executor *worker.Executor
}

func newFixture(t *testing.T, opts ...worker.ExecutorOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		results:  result.NewMemory(),
		registry: job.NewRegistry(),
		recorder: &recorder{},
	}
	logger := discardLogger()
	f.executor = worker.NewExecutor(
		f.registry, f.store, f.results, f.recorder, logger,
		append([]worker.ExecutorOption{worker.WithCancelPollInterval(5 * time.Millisecond)}, opts...)...,
	)
	t.Cleanup(func() { f.store.Close() })
	return f
}

// submit creates a queued job and its first delivery.
func (f *fixture) submit(t *testing.T, kind string, payload []byte) (*job.Job, *queue.Delivery) {
	t.Helper()
	ctx := context.Background()
	j, created, err := f.store.CreateJob(ctx, job.New("alice", "ws-1", "", kind, payload))
	if err != nil || !created {
		t.Fatalf("CreateJob() = created %v, err %v", created, err)
	}
	if err := f.store.Enqueue(ctx, j.ID); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := f.store.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	return j, d
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	job.RegisterDefinition(f.registry, job.NewDefinition("sum",
		func(_ context.Context, in struct{ N int }) (string, error) {
			return "done", nil
		},
	))

	j, d := f.submit(t, "sum", []byte(`{"N":3}`))
	ctx := context.Background()

	if err := f.executor.Execute(ctx, d); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.ResultRef == "" {
		t.Fatal("ResultRef not recorded")
	}
	rec, err := f.results.Get(ctx, got.ResultRef)
	if err != nil {
		t.Fatalf("result Get() error = %v", err)
	}
	if rec.Body != "done" {
		t.Errorf("result body = %q, want %q", rec.Body, "done")
	}

	completed := f.recorder.byType(event.TypeJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("published %d job.completed events, want 1", len(completed))
	}
	if completed[0].WorkspaceID != "ws-1" {
		t.Errorf("event workspace = %q, want ws-1", completed[0].WorkspaceID)
	}
}

func TestExecuteFailure(t *testing.T) {
	f := newFixture(t)
	job.RegisterDefinition(f.registry, job.NewDefinition("broken",
		func(_ context.Context, _ struct{}) (string, error) {
			return "", errors.New("disk full")
		},
	))

	j, d := f.submit(t, "broken", nil)
	ctx := context.Background()

	if err := f.executor.Execute(ctx, d); err != nil {
		t.Fatalf("Execute() error = %v (handler failure must settle, not propagate)", err)
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", got.LastError, "disk full")
	}
	if len(f.recorder.byType(event.TypeJobFailed)) != 1 {
		t.Error("job.failed event not published")
	}
}

func TestExecuteUnknownKindFails(t *testing.T) {
	f := newFixture(t)
	j, d := f.submit(t, "nobody-home", nil)

	if err := f.executor.Execute(context.Background(), d); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := f.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestExecuteDuplicateDeliverySkipped(t *testing.T) {
	f := newFixture(t)
	calls := 0
	job.RegisterDefinition(f.registry, job.NewDefinition("once",
		func(_ context.Context, _ struct{}) (string, error) {
			calls++
			return "ok", nil
		},
	))

	_, d := f.submit(t, "once", nil)
	ctx := context.Background()

	if err := f.executor.Execute(ctx, d); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	// Redelivery of the same job after the first settled.
	dup := &queue.Delivery{JobID: d.JobID, Token: d.Token, Attempt: 2}
	if err := f.executor.Execute(ctx, dup); err != nil {
		t.Fatalf("duplicate Execute() error = %v", err)
	}

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if got := len(f.recorder.byType(event.TypeJobCompleted)); got != 1 {
		t.Fatalf("published %d completion events, want 1", got)
	}
}

func TestExecuteRedeliveryAfterCrashedClaimCompletes(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	st := memory.New(
		memory.WithLeaseTimeout(30*time.Second),
		memory.WithClock(clock),
	)
	t.Cleanup(func() { st.Close() })
	results := result.NewMemory()
	registry := job.NewRegistry()
	rec := &recorder{}
	calls := 0
	job.RegisterDefinition(registry, job.NewDefinition("resume",
		func(_ context.Context, _ struct{}) (string, error) {
			calls++
			return "done", nil
		},
	))
	exec := worker.NewExecutor(registry, st, results, rec, discardLogger(),
		worker.WithCancelPollInterval(5*time.Millisecond))

	ctx := context.Background()
	j, created, err := st.CreateJob(ctx, job.New("alice", "ws-1", "", "resume", nil))
	if err != nil || !created {
		t.Fatalf("CreateJob() = created %v, err %v", created, err)
	}
	if err := st.Enqueue(ctx, j.ID); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d1, err := st.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	// The first worker claims the job and dies before settling:
	// nothing acks the delivery and the record is stuck running.
	if _, err := st.Transition(ctx, j.ID, job.StatusQueued, job.StatusRunning); err != nil {
		t.Fatalf("claim Transition() error = %v", err)
	}
	if err := st.SetAttempt(ctx, j.ID, d1.Attempt); err != nil {
		t.Fatalf("SetAttempt() error = %v", err)
	}

	advance(31 * time.Second)
	if reaped, err := st.ReapExpired(ctx); err != nil || reaped != 1 {
		t.Fatalf("ReapExpired() = %d, %v, want 1, nil", reaped, err)
	}

	d2, err := st.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() after reap error = %v", err)
	}
	if d2.Attempt != 2 {
		t.Fatalf("redelivery Attempt = %d, want 2", d2.Attempt)
	}

	if err := exec.Execute(ctx, d2); err != nil {
		t.Fatalf("Execute() on redelivery error = %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Attempt)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if len(rec.byType(event.TypeJobCompleted)) != 1 {
		t.Error("job.completed event not published exactly once")
	}
}

func TestExecuteCancelBeforeStart(t *testing.T) {
	f := newFixture(t)
	job.RegisterDefinition(f.registry, job.NewDefinition("never",
		func(_ context.Context, _ struct{}) (string, error) {
			t.Error("handler must not run for a pre-cancelled job")
			return "", nil
		},
	))

	j, d := f.submit(t, "never", nil)
	ctx := context.Background()
	if _, err := f.store.RequestCancel(ctx, j.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	if err := f.executor.Execute(ctx, d); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(f.recorder.byType(event.TypeJobCancelled)) != 1 {
		t.Error("job.cancelled event not published")
	}
}

func TestExecuteCooperativeCancelMidRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	job.RegisterDefinition(f.registry, job.NewDefinition("looper",
		func(ctx context.Context, _ struct{}) (string, error) {
			close(started)
			for {
				if err := worker.Checkpoint(ctx); err != nil {
					return "", err
				}
				time.Sleep(time.Millisecond)
			}
		},
	))

	j, d := f.submit(t, "looper", nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.executor.Execute(ctx, d) }()

	<-started
	if _, err := f.store.RequestCancel(ctx, j.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the handler")
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if n := len(f.recorder.byType(event.TypeJobCancelled)); n != 1 {
		t.Fatalf("published %d job.cancelled events, want 1", n)
	}
	if n := len(f.recorder.byType(event.TypeJobCompleted)); n != 0 {
		t.Fatalf("published %d completion events for cancelled job, want 0", n)
	}
}

func TestExecuteRecordsAttempt(t *testing.T) {
	f := newFixture(t)
	job.RegisterDefinition(f.registry, job.NewDefinition("quick",
		func(_ context.Context, _ struct{}) (string, error) { return "", nil },
	))

	j, d := f.submit(t, "quick", nil)
	d.Attempt = 3 // simulate a redelivered job whose earlier attempts never claimed it
	if err := f.executor.Execute(context.Background(), d); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := f.store.GetJob(context.Background(), j.ID)
	if got.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", got.Attempt)
	}
}

func TestCheckpoint(t *testing.T) {
	if err := worker.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint() on live context = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := worker.Checkpoint(ctx); !errors.Is(err, workroom.ErrJobCancelled) {
		t.Fatalf("Checkpoint() on cancelled context = %v, want ErrJobCancelled", err)
	}

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	if err := worker.Checkpoint(dctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Checkpoint() past deadline = %v, want DeadlineExceeded", err)
	}
}

func TestPoolExecutesEndToEnd(t *testing.T) {
	f := newFixture(t)
	done := make(chan string, 4)
	job.RegisterDefinition(f.registry, job.NewDefinition("echo",
		func(_ context.Context, in struct{ Msg string }) (string, error) {
			done <- in.Msg
			return in.Msg, nil
		},
	))

	pool := worker.NewPool(f.store, f.store, f.executor, discardLogger(),
		worker.WithPoolConcurrency(2),
		worker.WithHeartbeatInterval(10*time.Millisecond),
		worker.WithReapInterval(20*time.Millisecond),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	ctx := context.Background()
	var ids []id.JobID
	for range 4 {
		j, created, err := f.store.CreateJob(ctx, job.New("alice", "ws-1", "", "echo", []byte(`{"Msg":"hi"}`)))
		if err != nil || !created {
			t.Fatalf("CreateJob() = %v, %v", created, err)
		}
		f.store.Enqueue(ctx, j.ID)
		ids = append(ids, j.ID)
	}

	for i := range 4 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("job %d never executed", i)
		}
	}

	// All settled: statuses are terminal-succeeded.
	deadline := time.Now().Add(2 * time.Second)
	for _, jid := range ids {
		for {
			got, err := f.store.GetJob(ctx, jid)
			if err != nil {
				t.Fatalf("GetJob() error = %v", err)
			}
			if got.Status == job.StatusSucceeded {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("job %s status = %s, want succeeded", jid, got.Status)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPoolAdmissionDeniedDefersJob(t *testing.T) {
	f := newFixture(t)
	ran := make(chan struct{}, 1)
	job.RegisterDefinition(f.registry, job.NewDefinition("gated",
		func(_ context.Context, _ struct{}) (string, error) {
			ran <- struct{}{}
			return "", nil
		},
	))

	admission := queue.NewManager(queue.Config{Kind: "gated", MaxConcurrency: 1})
	// Hold the only slot so the pool's acquire is denied.
	if !admission.Acquire("gated", "") {
		t.Fatal("setup acquire failed")
	}

	pool := worker.NewPool(f.store, f.store, f.executor, discardLogger(),
		worker.WithPoolConcurrency(1),
		worker.WithAdmission(admission),
	)
	pool.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	ctx := context.Background()
	j, _, _ := f.store.CreateJob(ctx, job.New("alice", "ws-1", "", "gated", nil))
	f.store.Enqueue(ctx, j.ID)

	select {
	case <-ran:
		t.Fatal("job ran despite denied admission")
	case <-time.After(100 * time.Millisecond):
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s while denied, want queued", got.Status)
	}
}

// failingJobStore rejects every load and counts the attempts.
type failingJobStore struct {
	*memory.Store
	mu   sync.Mutex
	gets int
}

func (f *failingJobStore) GetJob(context.Context, id.JobID) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return nil, errors.New("store unavailable")
}

func (f *failingJobStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func TestPoolBacksOffWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	fs := &failingJobStore{Store: f.store}

	pool := worker.NewPool(f.store, fs, f.executor, discardLogger(),
		worker.WithPoolConcurrency(1),
	)

	ctx := context.Background()
	for range 3 {
		j, created, err := f.store.CreateJob(ctx, job.New("alice", "ws-1", "", "echo", nil))
		if err != nil || !created {
			t.Fatalf("CreateJob() = %v, %v", created, err)
		}
		f.store.Enqueue(ctx, j.ID)
	}

	pool.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	}()

	// The slot must pause after a failed load instead of burning
	// through the backlog against a store that keeps erroring.
	time.Sleep(300 * time.Millisecond)
	if got := fs.calls(); got != 1 {
		t.Fatalf("GetJob called %d times in 300ms, want 1", got)
	}
}
