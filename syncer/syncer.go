// Package syncer keeps workspace sessions consistent across processes.
//
// Locally-originated events are stamped with a per-workspace sequence
// number, fanned out to the other local connections of the workspace,
// and published on the broadcast bus. Bus-delivered events from other
// processes are fanned out locally; events this process published are
// discarded on receipt (echo suppression), since the bus has no notion
// of sender exclusion.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/backoff"
	"github.com/workroom-io/workroom/bus"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/registry"
)

// Synchronizer fans events out between local connections and the bus.
type Synchronizer struct {
	processID id.ProcessID
	registry  *registry.Registry
	bus       bus.Bus
	logger    *slog.Logger
	strategy  backoff.Strategy

	mu         sync.Mutex
	seqs       map[string]uint64
	subs       map[string]bus.Subscription
	pending    []pendingPublish
	pendingCap int
	dropped    uint64

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

type pendingPublish struct {
	channel string
	evt     *event.Event
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithBackoff sets the retry strategy used when the bus is unavailable.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Synchronizer) { s.strategy = b }
}

// WithPendingBuffer bounds how many events are buffered while the bus
// is unreachable. When full, the oldest pending event is dropped.
func WithPendingBuffer(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.pendingCap = n
		}
	}
}

// New creates a Synchronizer over the given registry and bus.
func New(reg *registry.Registry, b bus.Bus, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		processID:  reg.ProcessID(),
		registry:   reg,
		bus:        b,
		logger:     slog.Default(),
		strategy:   backoff.DefaultStrategy(),
		seqs:       make(map[string]uint64),
		subs:       make(map[string]bus.Subscription),
		pendingCap: workroom.DefaultConfig().PendingEventBuffer,
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the background flusher that retries buffered publishes.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop closes all workspace subscriptions and stops the flusher. Events
// still pending when Stop is called are dropped and logged.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	subs := make([]bus.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]bus.Subscription)
	remaining := len(s.pending)
	s.pending = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close() //nolint:errcheck // shutdown path
	}
	s.wg.Wait()

	if remaining > 0 {
		s.logger.Warn("syncer: dropped pending events on shutdown",
			slog.Int("count", remaining))
	}
}

// Attach registers interest in the connection's workspace: the first
// local connection for a workspace opens the bus subscription, and every
// join is announced to the workspace plus answered with a presence
// snapshot on the joining connection.
func (s *Synchronizer) Attach(ctx context.Context, conn *registry.Conn) error {
	if err := s.subscribe(ctx, conn.WorkspaceID); err != nil {
		return err
	}

	joinPayload, _ := json.Marshal(event.PresencePayload{UserID: conn.UserID}) //nolint:errcheck // static struct
	if err := s.Broadcast(ctx, conn, &event.Event{
		Type:        event.TypeUserJoin,
		WorkspaceID: conn.WorkspaceID,
		Payload:     joinPayload,
	}); err != nil {
		return err
	}

	conn.Send(s.snapshot(conn.WorkspaceID))
	return nil
}

// Detach announces the departure and, when this was the workspace's last
// local connection, closes the bus subscription. The caller unregisters
// the connection from the registry first so the leave event is not
// reflected back to it.
func (s *Synchronizer) Detach(ctx context.Context, conn *registry.Conn) {
	leavePayload, _ := json.Marshal(event.PresencePayload{ //nolint:errcheck // static struct
		UserID:          conn.UserID,
		DurationSeconds: int64(time.Since(conn.ConnectedAt).Seconds()),
	})
	if err := s.Broadcast(ctx, conn, &event.Event{
		Type:        event.TypeUserLeave,
		WorkspaceID: conn.WorkspaceID,
		Payload:     leavePayload,
	}); err != nil {
		s.logger.Warn("syncer: leave broadcast failed",
			slog.String("workspace_id", conn.WorkspaceID),
			slog.String("error", err.Error()),
		)
	}

	if s.registry.CountByWorkspace(conn.WorkspaceID) == 0 {
		s.unsubscribe(conn.WorkspaceID)
	}
}

// Broadcast applies a locally-originated event: it assigns the next
// per-workspace sequence number, fans out to every other local
// connection of the workspace, and publishes on the bus. A nil origin
// means the event was produced by this process itself (worker
// completions) and every local connection receives it.
//
// Bus failures never block or fail the local fan-out: the event is
// buffered and retried with backoff, dropping the oldest buffered event
// when the buffer is full.
func (s *Synchronizer) Broadcast(ctx context.Context, origin *registry.Conn, evt *event.Event) error {
	evt.OriginProcessID = s.processID
	if origin != nil {
		evt.OriginConnectionID = origin.ID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.SequenceNo = s.nextSeq(evt.WorkspaceID)

	s.fanOut(evt, evt.OriginConnectionID)

	s.publish(ctx, event.WorkspaceChannel(evt.WorkspaceID), evt)
	return nil
}

// publish sends the event on the bus. While earlier events are still
// queued for retry the event joins the queue behind them instead;
// publishing past the backlog would let remote processes observe the
// workspace stream out of sequence order.
func (s *Synchronizer) publish(ctx context.Context, channel string, evt *event.Event) {
	s.mu.Lock()
	backlog := len(s.pending) > 0
	s.mu.Unlock()
	if backlog {
		s.buffer(channel, evt)
		return
	}
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.buffer(channel, evt)
	}
}

// Sequence returns the last sequence number assigned for the workspace.
func (s *Synchronizer) Sequence(workspaceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[workspaceID]
}

// Dropped returns how many buffered events were discarded because the
// pending buffer overflowed.
func (s *Synchronizer) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// handleRemote is the bus subscription handler. Events this process
// published are discarded here; they were already fanned out locally at
// publish time.
func (s *Synchronizer) handleRemote(_ context.Context, evt *event.Event) {
	if evt.OriginProcessID == s.processID {
		return
	}
	s.fanOut(evt, id.Nil)
}

// fanOut delivers the event to the workspace's local connections,
// skipping the origin connection.
func (s *Synchronizer) fanOut(evt *event.Event, skip id.ConnectionID) {
	for _, conn := range s.registry.ListByWorkspace(evt.WorkspaceID) {
		if !skip.IsNil() && conn.ID.String() == skip.String() {
			continue
		}
		conn.Send(evt)
	}
}

func (s *Synchronizer) subscribe(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[workspaceID]; ok {
		return nil
	}
	sub, err := s.bus.Subscribe(ctx, event.WorkspaceChannel(workspaceID), s.handleRemote)
	if err != nil {
		return err
	}
	s.subs[workspaceID] = sub
	return nil
}

func (s *Synchronizer) unsubscribe(workspaceID string) {
	s.mu.Lock()
	sub, ok := s.subs[workspaceID]
	delete(s.subs, workspaceID)
	s.mu.Unlock()
	if ok {
		_ = sub.Close() //nolint:errcheck // best effort
	}
}

func (s *Synchronizer) nextSeq(workspaceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[workspaceID]++
	return s.seqs[workspaceID]
}

// buffer queues an event whose publish failed. Oldest-first drop keeps
// the buffer bounded; the loss is counted and logged but never blocks
// the socket read path.
func (s *Synchronizer) buffer(channel string, evt *event.Event) {
	s.mu.Lock()
	if len(s.pending) >= s.pendingCap {
		s.pending = s.pending[1:]
		s.dropped++
		s.logger.Warn("syncer: pending buffer full, dropped oldest event",
			slog.String("channel", channel),
			slog.Uint64("total_dropped", s.dropped),
		)
	}
	s.pending = append(s.pending, pendingPublish{channel: channel, evt: evt})
	s.mu.Unlock()

	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop retries buffered publishes with backoff until the bus
// accepts them again.
func (s *Synchronizer) flushLoop() {
	defer s.wg.Done()

	attempt := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.flushCh:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				attempt = 0
				break
			}
			head := s.pending[0]
			s.mu.Unlock()

			err := s.bus.Publish(context.Background(), head.channel, head.evt)
			if err != nil {
				attempt++
				select {
				case <-s.stopCh:
					return
				case <-time.After(s.strategy.Delay(attempt)):
				}
				continue
			}

			attempt = 0
			s.mu.Lock()
			// The head may have been dropped by buffer() while we were
			// publishing; only pop if it is still ours.
			if len(s.pending) > 0 && s.pending[0] == head {
				s.pending = s.pending[1:]
			}
			s.mu.Unlock()
		}
	}
}

// snapshot builds a workspace.state event for a joining connection from
// the local registry view.
func (s *Synchronizer) snapshot(workspaceID string) *event.Event {
	conns := s.registry.ListByWorkspace(workspaceID)
	seen := make(map[string]struct{}, len(conns))
	entries := make([]event.PresenceEntry, 0, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		entries = append(entries, event.PresenceEntry{
			UserID:      c.UserID,
			ConnectedAt: c.ConnectedAt,
		})
	}
	payload, _ := json.Marshal(event.WorkspaceStatePayload{ //nolint:errcheck // static struct
		ActiveUsers: entries,
		UserCount:   len(entries),
	})
	return &event.Event{
		Type:            event.TypeWorkspaceState,
		WorkspaceID:     workspaceID,
		Payload:         payload,
		OriginProcessID: s.processID,
		Timestamp:       time.Now(),
	}
}
