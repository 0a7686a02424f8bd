// Package bus defines the broadcast bus — the only channel through which
// an event on one process becomes visible to another process's
// connections. Delivery is at-least-once with best-effort ordering within
// a single publishing process; there is no cross-process ordering and no
// replay. A subscriber that reconnects after a gap may have missed events;
// clients reconcile through the workspace-state service, not the bus.
package bus

import (
	"context"

	"github.com/workroom-io/workroom/event"
)

// Handler receives events delivered on a subscribed channel. Handlers
// must not block: they run on the subscription's receive loop.
type Handler func(ctx context.Context, evt *event.Event)

// Subscription is a live channel subscription. Close stops delivery and
// releases the underlying transport resources.
type Subscription interface {
	// Channel returns the subscribed channel name.
	Channel() string

	// Close stops the subscription. Safe to call multiple times.
	Close() error
}

// Bus is the cross-process publish/subscribe abstraction.
type Bus interface {
	// Publish sends an event on a channel. Returns
	// workroom.ErrBusUnavailable (possibly wrapped) when the transport
	// is unreachable; callers own retry policy.
	Publish(ctx context.Context, channel string, evt *event.Event) error

	// Subscribe starts delivering events published on the channel to
	// the handler. The subscription is lazy and restartable: transient
	// transport failures are retried internally with backoff, and
	// events published during a gap are lost by design.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)

	// Close shuts the bus down, closing all subscriptions.
	Close() error
}
