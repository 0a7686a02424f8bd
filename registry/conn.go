package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/id"
)

// Conn is a registered client connection. It is owned exclusively by the
// process that accepted the socket and is never shared across processes.
//
// Outbound events flow through a bounded outbox channel; the socket write
// loop drains Events(). Send never blocks the caller.
type Conn struct {
	ID          id.ConnectionID
	WorkspaceID string
	UserID      string
	ProcessID   id.ProcessID
	ConnectedAt time.Time

	lastSeen   atomic.Int64 // unix nanos
	subscribed map[event.Type]struct{}

	// mu guards closed and send-vs-close on outbox.
	mu      sync.RWMutex
	closed  bool
	outbox  chan *event.Event
	dropped atomic.Uint64
}

func newConn(connID id.ConnectionID, workspaceID, userID string, processID id.ProcessID, types []event.Type, outboxSize int) *Conn {
	c := &Conn{
		ID:          connID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		ProcessID:   processID,
		ConnectedAt: time.Now(),
		outbox:      make(chan *event.Event, outboxSize),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	if len(types) > 0 {
		c.subscribed = make(map[event.Type]struct{}, len(types))
		for _, t := range types {
			c.subscribed[t] = struct{}{}
		}
	}
	return c
}

// Send queues an event for delivery on this connection. It returns false
// when the connection is closed, the event type is filtered out, or the
// outbox is full. A full outbox drops the event rather than blocking the
// fan-out path.
func (c *Conn) Send(evt *event.Event) bool {
	if !c.Wants(evt.Type) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- evt:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Events exposes the outbound channel. It is closed when the connection
// is unregistered or evicted.
func (c *Conn) Events() <-chan *event.Event { return c.outbox }

// Wants reports whether the connection subscribed to the event type. A
// connection with no explicit subscription receives every type.
func (c *Conn) Wants(t event.Type) bool {
	if c.subscribed == nil {
		return true
	}
	_, ok := c.subscribed[t]
	return ok
}

// Touch records client liveness.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent Touch.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Dropped returns how many events were discarded due to a full outbox.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Closed reports whether the connection has been unregistered.
func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbox)
}
