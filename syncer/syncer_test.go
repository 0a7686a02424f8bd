package syncer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/workroom-io/workroom/backoff"
	"github.com/workroom-io/workroom/bus"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/registry"
	"github.com/workroom-io/workroom/syncer"
)

// process bundles a registry and synchronizer the way one API process
// would run them, all sharing the same bus.
type process struct {
	reg  *registry.Registry
	sync *syncer.Synchronizer
}

func newProcess(t *testing.T, b bus.Bus, opts ...syncer.Option) *process {
	t.Helper()
	reg := registry.New(id.NewProcessID())
	s := syncer.New(reg, b, opts...)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		reg.Close()
	})
	return &process{reg: reg, sync: s}
}

func attach(t *testing.T, p *process, workspaceID, userID string) *registry.Conn {
	t.Helper()
	conn, err := p.reg.Register(workspaceID, userID, nil)
	if err != nil {
		t.Fatalf("Register(%q, %q) error = %v", workspaceID, userID, err)
	}
	if err := p.sync.Attach(context.Background(), conn); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return conn
}

// drain empties a connection's outbox without blocking.
func drain(conn *registry.Conn) []*event.Event {
	var out []*event.Event
	for {
		select {
		case evt := <-conn.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func hasType(evts []*event.Event, t event.Type) bool {
	for _, e := range evts {
		if e.Type == t {
			return true
		}
	}
	return false
}

func TestAttachAnnouncesJoinAndSnapshot(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p := newProcess(t, b)

	a := attach(t, p, "ws-1", "alice")
	bConn := attach(t, p, "ws-1", "bob")

	// alice sees bob's join; bob does not see his own.
	aEvents := drain(a)
	if !hasType(aEvents, event.TypeUserJoin) {
		t.Error("existing connection did not receive user.join")
	}
	bEvents := drain(bConn)
	for _, e := range bEvents {
		if e.Type == event.TypeUserJoin {
			t.Error("joining connection received its own user.join")
		}
	}

	// bob gets the presence snapshot including both users.
	var snap *event.Event
	for _, e := range bEvents {
		if e.Type == event.TypeWorkspaceState {
			snap = e
		}
	}
	if snap == nil {
		t.Fatal("joining connection did not receive workspace.state")
	}
	var state event.WorkspaceStatePayload
	if err := json.Unmarshal(snap.Payload, &state); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if state.UserCount != 2 {
		t.Errorf("snapshot user_count = %d, want 2", state.UserCount)
	}
}

func TestBroadcastFansOutExceptOrigin(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p := newProcess(t, b)

	a := attach(t, p, "ws-1", "alice")
	bConn := attach(t, p, "ws-1", "bob")
	drain(a)
	drain(bConn)

	evt := &event.Event{Type: event.TypeFileChange, WorkspaceID: "ws-1", Payload: json.RawMessage(`{"path":"main.go"}`)}
	if err := p.sync.Broadcast(context.Background(), a, evt); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	if got := drain(bConn); !hasType(got, event.TypeFileChange) {
		t.Error("peer connection did not receive the event")
	}
	if got := drain(a); hasType(got, event.TypeFileChange) {
		t.Error("origin connection received its own event (echo)")
	}
}

func TestCrossProcessDelivery(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p1 := newProcess(t, b)
	p2 := newProcess(t, b)

	a := attach(t, p1, "ws-1", "alice")
	bConn := attach(t, p2, "ws-1", "bob")
	drain(a)
	drain(bConn)

	evt := &event.Event{Type: event.TypeFileChange, WorkspaceID: "ws-1"}
	if err := p1.sync.Broadcast(context.Background(), a, evt); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	// bob, on the other process, receives exactly one copy.
	got := drain(bConn)
	n := 0
	for _, e := range got {
		if e.Type == event.TypeFileChange {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("remote peer received %d copies, want 1", n)
	}
	// alice never gets her own event back via the bus.
	if got := drain(a); hasType(got, event.TypeFileChange) {
		t.Error("echo suppression failed: origin received its event from the bus")
	}
}

func TestSequenceMonotonicPerWorkspace(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p := newProcess(t, b)

	a := attach(t, p, "ws-1", "alice")
	bConn := attach(t, p, "ws-1", "bob")
	drain(bConn)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.sync.Broadcast(ctx, a, &event.Event{Type: event.TypeCursorUpdate, WorkspaceID: "ws-1"}); err != nil {
			t.Fatalf("Broadcast() error = %v", err)
		}
	}

	var last uint64
	for _, e := range drain(bConn) {
		if e.Type != event.TypeCursorUpdate {
			continue
		}
		if e.SequenceNo <= last {
			t.Fatalf("sequence went %d -> %d, want strictly increasing", last, e.SequenceNo)
		}
		last = e.SequenceNo
	}
	if last == 0 {
		t.Fatal("no cursor events delivered")
	}
}

func TestBusOutageBuffersAndFlushes(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p1 := newProcess(t, b, syncer.WithBackoff(backoff.NewConstant(time.Millisecond)))
	p2 := newProcess(t, b)

	a := attach(t, p1, "ws-1", "alice")
	bConn := attach(t, p2, "ws-1", "bob")
	drain(a)
	drain(bConn)

	b.SetFailing(true)
	evt := &event.Event{Type: event.TypeMessage, WorkspaceID: "ws-1"}
	if err := p1.sync.Broadcast(context.Background(), a, evt); err != nil {
		t.Fatalf("Broadcast() during outage error = %v", err)
	}

	// Local fan-out is unaffected by the outage.
	time.Sleep(5 * time.Millisecond)
	if got := drain(bConn); hasType(got, event.TypeMessage) {
		t.Fatal("remote peer received event while bus was down")
	}

	b.SetFailing(false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hasType(drain(bConn), event.TypeMessage) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("buffered event was not flushed after bus recovery")
}

func TestBusRecoveryPreservesPublishOrder(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p1 := newProcess(t, b, syncer.WithBackoff(backoff.NewConstant(50*time.Millisecond)))
	p2 := newProcess(t, b)

	a := attach(t, p1, "ws-1", "alice")
	bConn := attach(t, p2, "ws-1", "bob")
	drain(a)
	drain(bConn)

	ctx := context.Background()
	b.SetFailing(true)
	first := &event.Event{Type: event.TypeMessage, WorkspaceID: "ws-1", Payload: json.RawMessage(`"first"`)}
	if err := p1.sync.Broadcast(ctx, a, first); err != nil {
		t.Fatalf("Broadcast() during outage error = %v", err)
	}

	// The bus recovers while the flusher still holds the buffered
	// event. A later broadcast must queue behind it, not overtake it.
	b.SetFailing(false)
	second := &event.Event{Type: event.TypeMessage, WorkspaceID: "ws-1", Payload: json.RawMessage(`"second"`)}
	if err := p1.sync.Broadcast(ctx, a, second); err != nil {
		t.Fatalf("Broadcast() after recovery error = %v", err)
	}

	var got []*event.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range drain(bConn) {
			if evt.Type == event.TypeMessage {
				got = append(got, evt)
			}
		}
		if len(got) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("remote peer received %d message events, want 2", len(got))
	}
	if got[0].SequenceNo >= got[1].SequenceNo {
		t.Fatalf("events arrived out of order: seq %d before seq %d", got[0].SequenceNo, got[1].SequenceNo)
	}
	if string(got[0].Payload) != `"first"` {
		t.Errorf("first delivered payload = %s, want \"first\"", got[0].Payload)
	}
}

func TestPendingBufferDropsOldest(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p := newProcess(t, b,
		syncer.WithPendingBuffer(2),
		syncer.WithBackoff(backoff.NewConstant(time.Hour)), // keep flusher parked
	)

	a := attach(t, p, "ws-1", "alice")
	drain(a)

	b.SetFailing(true)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.sync.Broadcast(ctx, a, &event.Event{Type: event.TypeMessage, WorkspaceID: "ws-1"}); err != nil {
			t.Fatalf("Broadcast() error = %v", err)
		}
	}

	if got := p.sync.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestDetachAnnouncesLeave(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	p := newProcess(t, b)

	a := attach(t, p, "ws-1", "alice")
	bConn := attach(t, p, "ws-1", "bob")
	drain(a)

	p.reg.Unregister(bConn)
	p.sync.Detach(context.Background(), bConn)

	if got := drain(a); !hasType(got, event.TypeUserLeave) {
		t.Error("remaining connection did not receive user.leave")
	}
}
