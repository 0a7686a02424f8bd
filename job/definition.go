package job

import (
	"context"
	"time"
)

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Kind is the unique identifier for this job type.
	Kind string

	// Handler processes the job payload and returns the result body to
	// persist. The context is cancelled when the job's cancel flag is
	// observed; handlers must check it at bounded checkpoints.
	Handler func(ctx context.Context, payload T) (string, error)

	// Opts configures execution behavior.
	Opts Options
}

// Options configures execution behavior for a job kind.
type Options struct {
	// Timeout is the per-job execution deadline. Zero means the worker
	// pool's lease timeout is the only bound.
	Timeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithTimeout sets a per-job execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](kind string, handler func(ctx context.Context, payload T) (string, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Kind:    kind,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
