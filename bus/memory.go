package bus

import (
	"context"
	"sync"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
)

// Memory is an in-process Bus for tests and single-node deployments.
// Events are delivered synchronously to all handlers subscribed to the
// channel at publish time.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memorySub // channel → subID → sub
	nextID int
	closed bool

	// failing simulates transport loss for tests.
	failing bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]*memorySub)}
}

// SetFailing toggles simulated transport failure. While failing, Publish
// returns workroom.ErrBusUnavailable and nothing is delivered.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Publish delivers the event to all current subscribers of the channel.
func (m *Memory) Publish(ctx context.Context, channel string, evt *event.Event) error {
	m.mu.RLock()
	if m.closed || m.failing {
		m.mu.RUnlock()
		return workroom.ErrBusUnavailable
	}
	targets := make([]*memorySub, 0, len(m.subs[channel]))
	for _, s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.handler(ctx, evt)
	}
	return nil
}

// Subscribe registers a handler for the channel.
func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, workroom.ErrBusUnavailable
	}

	id := m.nextID
	m.nextID++

	sub := &memorySub{bus: m, channel: channel, id: id, handler: h}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]*memorySub)
	}
	m.subs[channel][id] = sub
	return sub, nil
}

// Close shuts the bus down.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]map[int]*memorySub)
	m.mu.Unlock()
	return nil
}

func (m *Memory) remove(channel string, id int) {
	m.mu.Lock()
	if subs, ok := m.subs[channel]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.subs, channel)
		}
	}
	m.mu.Unlock()
}

type memorySub struct {
	bus     *Memory
	channel string
	id      int
	handler Handler
	once    sync.Once
}

func (s *memorySub) Channel() string { return s.channel }

func (s *memorySub) Close() error {
	s.once.Do(func() { s.bus.remove(s.channel, s.id) })
	return nil
}
