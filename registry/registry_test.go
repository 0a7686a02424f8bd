package registry_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/registry"
)

func newRegistry(t *testing.T, opts ...registry.Option) *registry.Registry {
	t.Helper()
	r := registry.New(id.NewProcessID(), opts...)
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndList(t *testing.T) {
	r := newRegistry(t)

	a, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	b, err := r.Register("ws-1", "bob", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("ws-2", "carol", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conns := r.ListByWorkspace("ws-1")
	if len(conns) != 2 {
		t.Fatalf("ListByWorkspace() returned %d conns, want 2", len(conns))
	}
	if got := r.CountByWorkspace("ws-2"); got != 1 {
		t.Errorf("CountByWorkspace(ws-2) = %d, want 1", got)
	}
	if got := r.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	if a.ProcessID != r.ProcessID() || b.ProcessID != r.ProcessID() {
		t.Error("connections must carry the registry's process id")
	}
}

func TestUnregisterRemovesAndCloses(t *testing.T) {
	r := newRegistry(t)

	conn, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Unregister(conn)

	if !conn.Closed() {
		t.Error("connection not closed after Unregister")
	}
	if got := r.CountByWorkspace("ws-1"); got != 0 {
		t.Errorf("CountByWorkspace() = %d after unregister, want 0", got)
	}
	if _, err := r.Get("ws-1", conn.ID); !errors.Is(err, workroom.ErrConnectionNotFound) {
		t.Errorf("Get() error = %v, want ErrConnectionNotFound", err)
	}

	// Idempotent.
	r.Unregister(conn)
}

func TestDuplicateIdentitySessionsCountedAndClosed(t *testing.T) {
	r := newRegistry(t) // default policy allows multiple sessions per identity

	first, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d with two sessions for one identity, want 2", got)
	}
	if got := r.CountByWorkspace("ws-1"); got != 2 {
		t.Errorf("CountByWorkspace() = %d, want 2", got)
	}

	r.Close()
	if !first.Closed() {
		t.Error("first session not closed on registry shutdown")
	}
	if !second.Closed() {
		t.Error("second session not closed on registry shutdown")
	}
}

func TestPolicyReject(t *testing.T) {
	r := newRegistry(t, registry.WithSessionPolicy(registry.PolicyReject))

	first, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("ws-1", "alice", nil); !errors.Is(err, workroom.ErrDuplicateIdentity) {
		t.Fatalf("second Register() error = %v, want ErrDuplicateIdentity", err)
	}
	if first.Closed() {
		t.Error("existing connection must survive a rejected registration")
	}

	// Same user in a different workspace is a distinct identity.
	if _, err := r.Register("ws-2", "alice", nil); err != nil {
		t.Errorf("Register() in other workspace error = %v", err)
	}
}

func TestPolicyEvictPrior(t *testing.T) {
	r := newRegistry(t, registry.WithSessionPolicy(registry.PolicyEvictPrior))

	first, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if !first.Closed() {
		t.Error("prior connection not evicted")
	}
	if second.Closed() {
		t.Error("new connection must stay open")
	}
	if got := r.CountByWorkspace("ws-1"); got != 1 {
		t.Errorf("CountByWorkspace() = %d, want 1", got)
	}

	// The evicted connection is told why before its outbox closes.
	var sawEviction bool
	for evt := range first.Events() {
		if evt.Type == event.TypePresenceEvicted {
			sawEviction = true
		}
	}
	if !sawEviction {
		t.Error("evicted connection did not receive presence.evicted")
	}
}

func TestSendFiltersAndDrops(t *testing.T) {
	r := newRegistry(t, registry.WithOutboxSize(2))

	conn, err := r.Register("ws-1", "alice", []event.Type{event.TypeMessage})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if conn.Send(&event.Event{Type: event.TypeCursorUpdate}) {
		t.Error("Send() accepted a filtered-out event type")
	}
	if !conn.Send(&event.Event{Type: event.TypeMessage}) {
		t.Error("Send() rejected a subscribed event type")
	}
	if !conn.Send(&event.Event{Type: event.TypeMessage}) {
		t.Error("Send() rejected with buffer space remaining")
	}
	// Outbox full: drop, do not block.
	if conn.Send(&event.Event{Type: event.TypeMessage}) {
		t.Error("Send() accepted past outbox capacity")
	}
	if got := conn.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	r.Unregister(conn)
	if conn.Send(&event.Event{Type: event.TypeMessage}) {
		t.Error("Send() accepted after close")
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	r := newRegistry(t)

	conn, err := r.Register("ws-1", "alice", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	before := conn.LastSeen()
	if err := r.Touch("ws-1", conn.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if conn.LastSeen().Before(before) {
		t.Error("LastSeen went backwards after Touch")
	}

	if err := r.Touch("ws-1", id.NewConnectionID()); !errors.Is(err, workroom.ErrConnectionNotFound) {
		t.Errorf("Touch() unknown conn error = %v, want ErrConnectionNotFound", err)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := newRegistry(t)

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ws := fmt.Sprintf("ws-%d", w%4)
			for i := 0; i < perWorker; i++ {
				conn, err := r.Register(ws, fmt.Sprintf("user-%d-%d", w, i), nil)
				if err != nil {
					t.Errorf("Register() error = %v", err)
					return
				}
				r.ListByWorkspace(ws)
				r.Unregister(conn)
			}
		}(w)
	}
	wg.Wait()

	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d after churn, want 0", got)
	}
}
