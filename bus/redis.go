package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
)

// Redis implements Bus over Redis PUBLISH/SUBSCRIBE. Events are JSON on
// the wire. go-redis reconnects subscriptions automatically; messages
// published while a subscriber is disconnected are lost, which matches
// the bus contract.
type Redis struct {
	client goredis.UniversalClient
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
}

// RedisOption configures the Redis bus.
type RedisOption func(*Redis)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a Redis-backed bus. The caller owns the client
// lifecycle.
func NewRedis(client goredis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		logger: slog.Default(),
		subs:   make(map[*redisSub]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish sends the event on the channel.
func (r *Redis) Publish(ctx context.Context, channel string, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus/redis: marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", workroom.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe starts a receive loop for the channel.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, workroom.ErrBusUnavailable
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so callers observe no
	// gap between Subscribe returning and delivery starting.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close() //nolint:errcheck // best-effort cleanup on failed subscribe
		return nil, fmt.Errorf("%w: %v", workroom.ErrBusUnavailable, err)
	}

	sub := &redisSub{bus: r, channel: channel, ps: ps}
	r.track(sub)

	sub.wg.Add(1)
	go sub.receiveLoop(h)

	return sub, nil
}

// Close shuts the bus down, closing all subscriptions.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close() //nolint:errcheck // shutdown path
	}
	return nil
}

func (r *Redis) track(s *redisSub) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Redis) untrack(s *redisSub) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

type redisSub struct {
	bus     *Redis
	channel string
	ps      *goredis.PubSub
	wg      sync.WaitGroup
	once    sync.Once
}

func (s *redisSub) Channel() string { return s.channel }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		s.wg.Wait()
		s.bus.untrack(s)
	})
	return err
}

// receiveLoop decodes and dispatches messages until the subscription
// closes. Malformed payloads are logged and skipped, mirroring how the
// rest of the system treats untrusted wire data.
func (s *redisSub) receiveLoop(h Handler) {
	defer s.wg.Done()

	for msg := range s.ps.Channel() {
		var evt event.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			s.bus.logger.Warn("bus: dropping malformed event",
				slog.String("channel", s.channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		h(context.Background(), &evt)
	}
}
