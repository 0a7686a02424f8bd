package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/workroom-io/workroom/job"
)

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status job.Status
		want   bool
	}{
		{job.StatusQueued, false},
		{job.StatusRunning, false},
		{job.StatusSucceeded, true},
		{job.StatusFailed, true},
		{job.StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to job.Status }{
		{job.StatusQueued, job.StatusRunning},
		{job.StatusQueued, job.StatusCancelled},
		{job.StatusRunning, job.StatusSucceeded},
		{job.StatusRunning, job.StatusFailed},
		{job.StatusRunning, job.StatusCancelled},
	}
	for _, tt := range allowed {
		if !job.CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	// No transition leaves a terminal status, and running cannot go
	// back to queued.
	statuses := []job.Status{job.StatusQueued, job.StatusRunning, job.StatusSucceeded, job.StatusFailed, job.StatusCancelled}
	for _, from := range []job.Status{job.StatusSucceeded, job.StatusFailed, job.StatusCancelled} {
		for _, to := range statuses {
			if job.CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
	if job.CanTransition(job.StatusRunning, job.StatusQueued) {
		t.Error("CanTransition(running, queued) = true, want false")
	}
	if job.CanTransition(job.StatusQueued, job.StatusSucceeded) {
		t.Error("CanTransition(queued, succeeded) = true, want false")
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := job.New("owner-1", "ws-1", "k1", "export_workspace", []byte(`{"n":1}`))

	if j.ID.IsNil() {
		t.Error("New() did not assign an ID")
	}
	if j.Status != job.StatusQueued {
		t.Errorf("Status = %s, want %s", j.Status, job.StatusQueued)
	}
	if j.CreatedAt.IsZero() || j.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if j.CancelRequested {
		t.Error("CancelRequested must start false")
	}
}

func TestCloneIsolation(t *testing.T) {
	now := time.Now()
	j := job.New("owner-1", "ws-1", "k1", "export_workspace", []byte(`{"n":1}`))
	j.StartedAt = &now

	cp := j.Clone()
	cp.Payload[0] = 'x'
	*cp.StartedAt = cp.StartedAt.Add(time.Hour)
	cp.Status = job.StatusFailed

	if j.Payload[0] == 'x' {
		t.Error("Clone() shares payload backing array")
	}
	if !j.StartedAt.Equal(now) {
		t.Error("Clone() shares StartedAt pointer")
	}
	if j.Status != job.StatusQueued {
		t.Error("Clone() shares status")
	}
}

type exportPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Format      string `json:"format"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got exportPayload
	def := job.NewDefinition("export_workspace", func(_ context.Context, p exportPayload) (string, error) {
		got = p
		return "ok", nil
	})

	job.RegisterDefinition(r, def)

	h, ok := r.Get("export_workspace")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(exportPayload{WorkspaceID: "ws-1", Format: "zip"})
	res, err := h.Fn(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result = %q, want %q", res, "ok")
	}
	if got.WorkspaceID != "ws-1" || got.Format != "zip" {
		t.Errorf("payload = %+v, want ws-1/zip", got)
	}
}

func TestRegistry_MalformedPayload(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("export_workspace", func(_ context.Context, _ exportPayload) (string, error) {
		t.Fatal("handler must not run on malformed payload")
		return "", nil
	}))

	h, _ := r.Get("export_workspace")
	if _, err := h.Fn(context.Background(), []byte("{not json")); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	boom := errors.New("boom")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ struct{}) (string, error) {
		return "", boom
	}))

	h, _ := r.Get("failing")
	if _, err := h.Fn(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered kind")
	}
}

func TestRegistry_Kinds(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("kind-a", func(_ context.Context, _ struct{}) (string, error) { return "", nil }))
	job.RegisterDefinition(r, job.NewDefinition("kind-b", func(_ context.Context, _ struct{}) (string, error) { return "", nil }))

	kinds := r.Kinds()
	sort.Strings(kinds)
	want := []string{"kind-a", "kind-b"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("Kinds() = %v, want %v", kinds, want)
		}
	}
}

func TestRegistry_TimeoutOption(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("slow",
		func(_ context.Context, _ struct{}) (string, error) { return "", nil },
		job.WithTimeout(5*time.Second),
	))

	h, _ := r.Get("slow")
	if h.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", h.Timeout)
	}
}
