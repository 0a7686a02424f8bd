package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/queue"
)

// receiveScript pops one ready job and registers its lease atomically,
// so a crash between pop and lease registration cannot strand a job.
//
// KEYS: 1 ready, 2 leases, 3 tokens, 4 attempts
// ARGV: 1 lease expiry (unix ms), 2 token
var receiveScript = goredis.NewScript(`
local jid = redis.call('RPOP', KEYS[1])
if not jid then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], jid)
redis.call('HSET', KEYS[3], jid, ARGV[2])
local attempt = redis.call('HINCRBY', KEYS[4], jid, 1)
return {jid, attempt}
`)

// ackScript settles the delivery only while its token is current.
//
// KEYS: 1 leases, 2 tokens, 3 attempts
// ARGV: 1 job id, 2 token
var ackScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// extendScript renews the lease only while its token is current.
//
// KEYS: 1 leases, 2 tokens
// ARGV: 1 job id, 2 token, 3 new expiry (unix ms)
var extendScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// reapScript moves every expired lease back to the ready list.
//
// KEYS: 1 leases, 2 tokens, 3 ready
// ARGV: 1 now (unix ms)
var reapScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, jid in ipairs(expired) do
  redis.call('ZREM', KEYS[1], jid)
  redis.call('HDEL', KEYS[2], jid)
  redis.call('LPUSH', KEYS[3], jid)
end
return #expired
`)

// Enqueue makes the job id available for delivery.
func (s *Store) Enqueue(ctx context.Context, jobID id.JobID) error {
	if s.isClosed() {
		return workroom.ErrQueueClosed
	}
	if err := s.client.LPush(ctx, readyKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("workroom/redis: enqueue: %w", err)
	}
	return nil
}

// Receive blocks until a job is available, polling the ready list. The
// pop and lease registration are a single script so the job is never
// invisible without a lease.
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
	expiry := time.Now().Add(s.leaseTimeout).UnixMilli()

	keys := []string{readyKey, leasesKey, tokensKey, attemptsKey}
	res, err := receiveScript.Run(ctx, s.client, keys, expiry, token.String()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil // ready list empty
	}
	if err != nil {
		return nil, fmt.Errorf("workroom/redis: receive: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("workroom/redis: receive: unexpected reply %v", res)
	}
	jidStr, _ := pair[0].(string)
	attempt, _ := pair[1].(int64)

	jid, err := id.ParseJobID(jidStr)
	if err != nil {
		return nil, fmt.Errorf("workroom/redis: receive parse job id: %w", err)
	}
	return &queue.Delivery{JobID: jid, Token: token, Attempt: int(attempt)}, nil
}

// Ack completes the delivery. A stale token is a silent no-op; the
// redelivery already owns the job.
func (s *Store) Ack(ctx context.Context, d *queue.Delivery) error {
	keys := []string{leasesKey, tokensKey, attemptsKey}
	if err := ackScript.Run(ctx, s.client, keys, d.JobID.String(), d.Token.String()).Err(); err != nil {
		return fmt.Errorf("workroom/redis: ack: %w", err)
	}
	return nil
}

// Extend renews the delivery's lease. It fails with ErrLeaseExpired
// when the token has been superseded by a redelivery.
func (s *Store) Extend(ctx context.Context, d *queue.Delivery) error {
	expiry := time.Now().Add(s.leaseTimeout).UnixMilli()
	keys := []string{leasesKey, tokensKey}
	ok, err := extendScript.Run(ctx, s.client, keys, d.JobID.String(), d.Token.String(), expiry).Int()
	if err != nil {
		return fmt.Errorf("workroom/redis: extend: %w", err)
	}
	if ok == 0 {
		return workroom.ErrLeaseExpired
	}
	return nil
}

// ReapExpired returns jobs whose lease expired to the ready list.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	keys := []string{leasesKey, tokensKey, readyKey}
	n, err := reapScript.Run(ctx, s.client, keys, time.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("workroom/redis: reap expired: %w", err)
	}
	if n > 0 {
		s.logger.Debug("requeued expired deliveries", "count", n)
	}
	return n, nil
}
