package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/queue"
)

// Enqueue makes the job id available for delivery. Re-enqueueing an id
// already present is a no-op.
func (s *Store) Enqueue(ctx context.Context, jobID id.JobID) error {
	if s.isClosed() {
		return workroom.ErrQueueClosed
	}
	m := &queueModel{JobID: jobID.String(), EnqueuedAt: time.Now().UTC()}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (job_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("workroom/bun: enqueue: %w", err)
	}
	return nil
}

// Receive blocks until a job is available, polling with SELECT FOR
// UPDATE SKIP LOCKED so concurrent workers never claim the same row.
func (s *Store) Receive(ctx context.Context) (*queue.Delivery, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.isClosed() {
			return nil, workroom.ErrQueueClosed
		}

		d, err := s.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.doneCh:
			return nil, workroom.ErrQueueClosed
		case <-ticker.C:
		}
	}
}

func (s *Store) tryReceive(ctx context.Context) (*queue.Delivery, error) {
	token := id.NewDeliveryID()

	var claimed []queueModel
	_, err := s.db.NewRaw(`
		WITH next AS (
			SELECT job_id FROM workroom_queue
			WHERE leased_until IS NULL
			ORDER BY enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE workroom_queue q
		SET token = ?0,
		    attempt = q.attempt + 1,
		    leased_until = NOW() + ?1::interval
		FROM next
		WHERE q.job_id = next.job_id
		RETURNING q.*`,
		token.String(), s.leaseTimeout.String(),
	).Exec(ctx, &claimed)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: receive: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	jid, err := id.ParseJobID(claimed[0].JobID)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: receive parse job id: %w", err)
	}
	return &queue.Delivery{JobID: jid, Token: token, Attempt: claimed[0].Attempt}, nil
}

// Ack completes the delivery. A stale token is a silent no-op; the
// redelivery already owns the job.
func (s *Store) Ack(ctx context.Context, d *queue.Delivery) error {
	_, err := s.db.NewDelete().
		TableExpr("workroom_queue").
		Where("job_id = ?", d.JobID.String()).
		Where("token = ?", d.Token.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("workroom/bun: ack: %w", err)
	}
	return nil
}

// Extend renews the delivery's lease. It fails with ErrLeaseExpired
// when the token has been superseded by a redelivery.
func (s *Store) Extend(ctx context.Context, d *queue.Delivery) error {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_queue").
		Set("leased_until = NOW() + ?::interval", s.leaseTimeout.String()).
		Where("job_id = ?", d.JobID.String()).
		Where("token = ?", d.Token.String()).
		Where("leased_until IS NOT NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("workroom/bun: extend: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return workroom.ErrLeaseExpired
	}
	return nil
}

// ReapExpired returns jobs whose lease expired to the ready state.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	res, err := s.db.NewUpdate().
		TableExpr("workroom_queue").
		Set("leased_until = NULL").
		Set("token = ''").
		Where("leased_until IS NOT NULL").
		Where("leased_until < NOW()").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("workroom/bun: reap expired: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		s.logger.Debug("requeued expired deliveries", "count", rows)
	}
	return int(rows), nil
}
