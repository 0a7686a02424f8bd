// Package job defines the job entity, status machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents one unit of asynchronous work submitted by a user.
// It embeds [workroom.Entity] for timestamps, carries a JSON payload,
// and progresses through a strict status machine:
//
//	queued → running → succeeded
//	queued → running → failed
//	queued → cancelled
//	running → cancelled
//
// Terminal statuses (succeeded, failed, cancelled) are immutable. Every
// status change goes through [Store.Transition], a compare-and-swap on
// the current status, so a duplicate queue delivery that tries to start
// an already-running or finished job fails with ErrInvalidTransition
// instead of corrupting state.
//
// # Idempotent Submission
//
// [Store.CreateJob] is a conditional insert keyed on the job's
// (OwnerID, IdempotencyKey) pair. While a job for that pair is
// non-terminal, repeat submissions return the existing job with
// created=false; no second job is ever created. The reservation is
// released when the job reaches a terminal status.
//
// # Defining a Job Kind
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at submit time and deserialized before the handler runs:
//
//	var ExportWorkspace = job.NewDefinition("export_workspace",
//	    func(ctx context.Context, input ExportInput) (string, error) {
//	        return exporter.Run(ctx, input.WorkspaceID)
//	    },
//	)
//
// Handlers return a result string that the worker persists to the
// result store; the job record keeps only the opaque reference.
// Cancellation is cooperative: the worker cancels the handler's context
// when a cancel request is observed, and handlers are expected to check
// ctx at bounded checkpoints.
//
// # Registry
//
// [Registry] maps job kinds to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, ExportWorkspace)
package job
