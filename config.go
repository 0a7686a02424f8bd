package workroom

import "time"

// Config holds configuration for a workroom node.
type Config struct {
	// Concurrency is the number of worker execution slots.
	Concurrency int

	// LeaseTimeout is how long a worker may hold a queue delivery
	// before it is considered failed and redelivered.
	LeaseTimeout time.Duration

	// LeaseHeartbeat is how often active deliveries have their lease
	// extended.
	LeaseHeartbeat time.Duration

	// CancelPollInterval is how often running jobs are checked for a
	// pending cancel request.
	CancelPollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// PendingEventBuffer is the number of locally-originated events the
	// synchronizer buffers while the broadcast bus is unreachable.
	// When full, the oldest buffered event is dropped.
	PendingEventBuffer int

	// ConnOutbox is the per-connection outbound event buffer. Events
	// beyond this are dropped for that connection (slow consumer).
	ConnOutbox int

	// SubmitLimit and SubmitWindow bound job submissions per owner in
	// any trailing SubmitWindow interval.
	SubmitLimit  int
	SubmitWindow time.Duration

	// MessageLimit and MessageWindow bound real-time messages per
	// connection in any trailing MessageWindow interval.
	MessageLimit  int
	MessageWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		LeaseTimeout:       30 * time.Second,
		LeaseHeartbeat:     10 * time.Second,
		CancelPollInterval: 500 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
		PendingEventBuffer: 1024,
		ConnOutbox:         256,
		SubmitLimit:        30,
		SubmitWindow:       time.Minute,
		MessageLimit:       120,
		MessageWindow:      10 * time.Second,
	}
}
