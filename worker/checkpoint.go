package worker

import (
	"context"
	"errors"

	"github.com/workroom-io/workroom"
)

// Checkpoint is the cooperative cancellation point for job handlers.
// Call it between bounded units of work; it returns ErrJobCancelled
// when the job's cancel flag stopped the handler context, and the
// context's own error for deadlines. A handler that never checkpoints
// cannot be stopped before its next natural return.
//
//	for _, chunk := range chunks {
//	    if err := worker.Checkpoint(ctx); err != nil {
//	        return "", err
//	    }
//	    process(chunk)
//	}
func Checkpoint(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return workroom.ErrJobCancelled
	}
	return err
}
