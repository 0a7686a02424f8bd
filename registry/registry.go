// Package registry tracks the client connections owned by this process.
//
// The registry is strictly process-local: registering or removing a
// connection changes local membership only. Cross-process visibility is
// the session synchronizer's concern. Workspaces are hashed across a
// fixed number of shards so concurrent connect and disconnect traffic
// for unrelated workspaces never contends on one lock.
package registry

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
)

const defaultShardCount = 32

// SessionPolicy controls what happens when a (user, workspace) pair that
// already has an active connection registers another one.
type SessionPolicy int

const (
	// PolicyAllowMultiple places no limit on sessions per user.
	PolicyAllowMultiple SessionPolicy = iota
	// PolicyEvictPrior evicts the existing connection, delivering a
	// presence.evicted event to it before closing, then registers the
	// new one.
	PolicyEvictPrior
	// PolicyReject refuses the new registration with
	// ErrDuplicateIdentity and leaves the existing connection intact.
	PolicyReject
)

// Registry holds this process's live connections, sharded by workspace.
type Registry struct {
	processID  id.ProcessID
	shards     []*shard
	outboxSize int
	policy     SessionPolicy
	logger     *slog.Logger
}

type shard struct {
	mu sync.RWMutex
	// workspaces maps workspaceID → connectionID → conn.
	workspaces map[string]map[id.ConnectionID]*Conn
	// identities maps (userID, workspaceID) → conn for session policy.
	identities map[identityKey]*Conn
}

type identityKey struct {
	userID      string
	workspaceID string
}

// Option configures a Registry.
type Option func(*Registry)

// WithSessionPolicy sets the duplicate-session policy. The default
// allows any number of sessions per user.
func WithSessionPolicy(p SessionPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithOutboxSize sets the per-connection outbound buffer size.
func WithOutboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.outboxSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry for the given process identity.
func New(processID id.ProcessID, opts ...Option) *Registry {
	r := &Registry{
		processID:  processID,
		shards:     make([]*shard, defaultShardCount),
		outboxSize: workroom.DefaultConfig().ConnOutbox,
		logger:     slog.Default(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			workspaces: make(map[string]map[id.ConnectionID]*Conn),
			identities: make(map[identityKey]*Conn),
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ProcessID returns the identity of the owning process.
func (r *Registry) ProcessID() id.ProcessID { return r.processID }

// Register adds a connection for the given user and workspace and
// returns its handle. subscribedTypes restricts which event types the
// connection receives; nil means all types.
//
// Under PolicyReject a second connection for the same (user, workspace)
// fails with ErrDuplicateIdentity. Under PolicyEvictPrior the prior
// connection receives a presence.evicted event and is closed before the
// new one is registered.
func (r *Registry) Register(workspaceID, userID string, subscribedTypes []event.Type) (*Conn, error) {
	conn := newConn(id.NewConnectionID(), workspaceID, userID, r.processID, subscribedTypes, r.outboxSize)
	s := r.shardFor(workspaceID)
	key := identityKey{userID: userID, workspaceID: workspaceID}

	var evicted *Conn

	s.mu.Lock()
	if prior, ok := s.identities[key]; ok && r.policy != PolicyAllowMultiple {
		if r.policy == PolicyReject {
			s.mu.Unlock()
			return nil, workroom.ErrDuplicateIdentity
		}
		r.removeLocked(s, prior)
		evicted = prior
	}
	ws := s.workspaces[workspaceID]
	if ws == nil {
		ws = make(map[id.ConnectionID]*Conn)
		s.workspaces[workspaceID] = ws
	}
	ws[conn.ID] = conn
	s.identities[key] = conn
	s.mu.Unlock()

	if evicted != nil {
		r.evict(evicted)
	}
	return conn, nil
}

// Unregister removes a connection and closes its outbox. Removing an
// unknown or already-removed connection is a no-op.
func (r *Registry) Unregister(conn *Conn) {
	s := r.shardFor(conn.WorkspaceID)

	s.mu.Lock()
	removed := r.removeLocked(s, conn)
	s.mu.Unlock()

	if removed {
		conn.close()
	}
}

// Get returns the connection with the given id in the workspace, or
// ErrConnectionNotFound.
func (r *Registry) Get(workspaceID string, connID id.ConnectionID) (*Conn, error) {
	s := r.shardFor(workspaceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.workspaces[workspaceID][connID]
	if !ok {
		return nil, workroom.ErrConnectionNotFound
	}
	return conn, nil
}

// ListByWorkspace returns a snapshot of the workspace's local
// connections. The slice is safe to iterate without holding any lock.
func (r *Registry) ListByWorkspace(workspaceID string) []*Conn {
	s := r.shardFor(workspaceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := s.workspaces[workspaceID]
	out := make([]*Conn, 0, len(ws))
	for _, c := range ws {
		out = append(out, c)
	}
	return out
}

// CountByWorkspace returns the number of local connections for the
// workspace.
func (r *Registry) CountByWorkspace(workspaceID string) int {
	s := r.shardFor(workspaceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workspaces[workspaceID])
}

// Touch records liveness for the connection with the given id.
func (r *Registry) Touch(workspaceID string, connID id.ConnectionID) error {
	conn, err := r.Get(workspaceID, connID)
	if err != nil {
		return err
	}
	conn.Touch()
	return nil
}

// Len returns the total number of registered connections. The
// workspace index is authoritative: under PolicyAllowMultiple several
// connections can share one identity entry.
func (r *Registry) Len() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, ws := range s.workspaces {
			total += len(ws)
		}
		s.mu.RUnlock()
	}
	return total
}

// Close unregisters every connection. Used on process shutdown.
func (r *Registry) Close() {
	for _, s := range r.shards {
		s.mu.Lock()
		var conns []*Conn
		for _, ws := range s.workspaces {
			for _, c := range ws {
				conns = append(conns, c)
			}
		}
		s.workspaces = make(map[string]map[id.ConnectionID]*Conn)
		s.identities = make(map[identityKey]*Conn)
		s.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
	}
}

// removeLocked deletes the connection from the shard's indexes. The
// caller holds s.mu. Returns false if the connection was not present.
func (r *Registry) removeLocked(s *shard, conn *Conn) bool {
	ws, ok := s.workspaces[conn.WorkspaceID]
	if !ok {
		return false
	}
	if _, ok := ws[conn.ID]; !ok {
		return false
	}
	delete(ws, conn.ID)
	if len(ws) == 0 {
		delete(s.workspaces, conn.WorkspaceID)
	}
	key := identityKey{userID: conn.UserID, workspaceID: conn.WorkspaceID}
	if s.identities[key] == conn {
		delete(s.identities, key)
	}
	return true
}

// evict delivers a presence.evicted event to the displaced connection
// and closes it. The event is local only; eviction is not broadcast.
func (r *Registry) evict(conn *Conn) {
	payload, _ := json.Marshal(event.PresencePayload{ //nolint:errcheck // static struct cannot fail to marshal
		UserID: conn.UserID,
	})
	conn.Send(&event.Event{
		Type:            event.TypePresenceEvicted,
		WorkspaceID:     conn.WorkspaceID,
		Payload:         payload,
		OriginProcessID: r.processID,
		Timestamp:       time.Now(),
	})
	conn.close()
	r.logger.Info("registry: evicted duplicate session",
		slog.String("workspace_id", conn.WorkspaceID),
		slog.String("user_id", conn.UserID),
		slog.String("connection_id", conn.ID.String()),
	)
}

func (r *Registry) shardFor(workspaceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(workspaceID)) //nolint:errcheck // fnv Write cannot fail
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}
