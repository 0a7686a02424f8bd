package node_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/bus"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/node"
	"github.com/workroom-io/workroom/ratelimit"
	"github.com/workroom-io/workroom/store/memory"
)

func newNode(t *testing.T, opts ...node.Option) *node.Node {
	t.Helper()
	st := memory.New()
	base := []node.Option{
		node.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	n, err := node.New(st, st, bus.NewMemory(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

// waitStatus polls until the job reaches the wanted status or the
// deadline passes.
func waitStatus(t *testing.T, n *node.Node, ownerID string, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := n.GetJob(context.Background(), ownerID, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return nil
}

func TestSubmitAndExecute(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	node.Register(n, job.NewDefinition("echo", func(_ context.Context, payload struct {
		Text string `json:"text"`
	}) (string, error) {
		return payload.Text, nil
	}))

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(ctx) //nolint:errcheck // shutdown in test teardown

	j, created, err := n.SubmitJob(ctx, "alice", "ws-1", "", "echo", []byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if !created {
		t.Fatal("expected created=true for a fresh submission")
	}

	done := waitStatus(t, n, "alice", j.ID, job.StatusSucceeded)
	if done.ResultRef == "" {
		t.Fatal("expected a result ref on the succeeded job")
	}

	rec, err := n.JobResult(ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("JobResult: %v", err)
	}
	if rec.Body != "hello" {
		t.Fatalf("result body = %q, want %q", rec.Body, "hello")
	}
}

func TestSubmitIdempotent(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	ctx := context.Background()

	first, created, err := n.SubmitJob(ctx, "alice", "", "key-1", "echo", nil)
	if err != nil {
		t.Fatalf("first SubmitJob: %v", err)
	}
	if !created {
		t.Fatal("first submission should create")
	}

	second, created, err := n.SubmitJob(ctx, "alice", "", "key-1", "echo", nil)
	if err != nil {
		t.Fatalf("second SubmitJob: %v", err)
	}
	if created {
		t.Fatal("duplicate submission should not create")
	}
	if second.ID.String() != first.ID.String() {
		t.Fatalf("duplicate returned job %s, want holder %s", second.ID, first.ID)
	}

	// Different owners never share a reservation.
	_, created, err = n.SubmitJob(ctx, "bob", "", "key-1", "echo", nil)
	if err != nil {
		t.Fatalf("cross-owner SubmitJob: %v", err)
	}
	if !created {
		t.Fatal("same key under a different owner should create")
	}
}

func TestSubmitThrottled(t *testing.T) {
	t.Parallel()

	n := newNode(t, node.WithSubmitLimiter(ratelimit.NewMemory(2, time.Minute)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := n.SubmitJob(ctx, "alice", "", "", "echo", nil); err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
	}

	_, _, err := n.SubmitJob(ctx, "alice", "", "", "echo", nil)
	if !errors.Is(err, workroom.ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	var te *node.ThrottledError
	if !errors.As(err, &te) {
		t.Fatalf("err = %T, want *node.ThrottledError", err)
	}
	if te.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", te.RetryAfter)
	}

	// The budget is per owner.
	if _, _, err := n.SubmitJob(ctx, "bob", "", "", "echo", nil); err != nil {
		t.Fatalf("other owner should be admitted: %v", err)
	}
}

func TestSubmitLimiterFailOpen(t *testing.T) {
	t.Parallel()

	n := newNode(t, node.WithSubmitLimiter(failingLimiter{}))
	if _, _, err := n.SubmitJob(context.Background(), "alice", "", "", "echo", nil); err != nil {
		t.Fatalf("submission should be admitted when the limiter is down: %v", err)
	}
}

type failingLimiter struct{}

func (failingLimiter) Admit(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("backend down")
}

func TestGetJobOwnerScoped(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	ctx := context.Background()

	j, _, err := n.SubmitJob(ctx, "alice", "", "", "echo", nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if _, err := n.GetJob(ctx, "alice", j.ID); err != nil {
		t.Fatalf("owner GetJob: %v", err)
	}
	if _, err := n.GetJob(ctx, "mallory", j.ID); !errors.Is(err, workroom.ErrJobNotFound) {
		t.Fatalf("foreign GetJob err = %v, want ErrJobNotFound", err)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	ctx := context.Background()

	j, _, err := n.SubmitJob(ctx, "alice", "", "", "echo", nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	flagged, err := n.CancelJob(ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !flagged.CancelRequested {
		t.Fatal("expected cancel_requested to be set")
	}

	if _, err := n.CancelJob(ctx, "mallory", j.ID); !errors.Is(err, workroom.ErrJobNotFound) {
		t.Fatalf("foreign CancelJob err = %v, want ErrJobNotFound", err)
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 1)
	n := newNode(t)
	node.Register(n, job.NewDefinition("touchy", func(context.Context, struct{}) (string, error) {
		ran <- struct{}{}
		return "", nil
	}))

	ctx := context.Background()
	j, _, err := n.SubmitJob(ctx, "alice", "", "", "touchy", nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, err := n.CancelJob(ctx, "alice", j.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	// Start the pool after the flag is set so dequeue observes it.
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(ctx) //nolint:errcheck // shutdown in test teardown

	waitStatus(t, n, "alice", j.ID, job.StatusCancelled)
	select {
	case <-ran:
		t.Fatal("handler ran for a cancelled job")
	default:
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	ctx := context.Background()
	for range 3 {
		if _, _, err := n.SubmitJob(ctx, "alice", "", "", "echo", nil); err != nil {
			t.Fatalf("SubmitJob: %v", err)
		}
	}
	if _, _, err := n.SubmitJob(ctx, "bob", "", "", "echo", nil); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	jobs, err := n.ListJobs(ctx, "alice", job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	for _, j := range jobs {
		if j.OwnerID != "alice" {
			t.Fatalf("listed job owned by %q", j.OwnerID)
		}
	}
}

func TestPresence(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	reg := n.Registry()
	if _, err := reg.Register("ws-1", "alice", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register("ws-1", "alice", nil); err != nil {
		t.Fatalf("Register second conn: %v", err)
	}
	if _, err := reg.Register("ws-1", "bob", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	state := n.Presence("ws-1")
	if state.UserCount != 2 {
		t.Fatalf("UserCount = %d, want 2 (users deduplicated across connections)", state.UserCount)
	}
	if empty := n.Presence("ws-other"); empty.UserCount != 0 {
		t.Fatalf("empty workspace UserCount = %d, want 0", empty.UserCount)
	}
}

func TestJobCompletionReachesWorkspaceSessions(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	node.Register(n, job.NewDefinition("echo", func(_ context.Context, _ struct{}) (string, error) {
		return "ok", nil
	}))

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(ctx) //nolint:errcheck // shutdown in test teardown

	conn, err := n.Registry().Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := n.Synchronizer().Attach(ctx, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	j, _, err := n.SubmitJob(ctx, "alice", "ws-1", "", "echo", nil)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	waitStatus(t, n, "alice", j.ID, job.StatusSucceeded)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-conn.Events():
			if evt.Type == "job.completed" {
				if evt.WorkspaceID != "ws-1" {
					t.Fatalf("event workspace = %q, want ws-1", evt.WorkspaceID)
				}
				return
			}
		case <-deadline:
			t.Fatal("no job.completed event delivered to the workspace session")
		}
	}
}
