package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
)

// createScript claims the idempotency reservation and writes the job
// hash in one atomic step. It returns the existing holder's job ID when
// the reservation is already taken, or an empty string when this call
// created the job.
//
// KEYS: 1 reservation, 2 job hash, 3 owner index, 4 job id set
// ARGV: 1 job id, 2 created-at score, 3.. hash field/value pairs
var createScript = goredis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder then
  return holder
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return ''
`)

// transitionScript compares-and-swaps the job's status. On entry to a
// terminal status it stamps completed_at and releases the reservation.
//
// KEYS: 1 job hash, 2 reservation (may be the empty placeholder)
// ARGV: 1 from, 2 to, 3 now, 4 "started"|"completed"|""
var transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return redis.error_reply('workroom_not_found')
end
if cur ~= ARGV[1] then
  return redis.error_reply('workroom_conflict')
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[4] == 'started' then
  redis.call('HSET', KEYS[1], 'started_at', ARGV[3])
elseif ARGV[4] == 'completed' then
  redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
  if KEYS[2] ~= '' then
    redis.call('DEL', KEYS[2])
  end
end
return redis.status_reply('OK')
`)

// cancelScript sets cancel_requested unless the job is terminal.
//
// KEYS: 1 job hash
// ARGV: 1 now
var cancelScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return redis.error_reply('workroom_not_found')
end
if cur == 'succeeded' or cur == 'failed' or cur == 'cancelled' then
  return redis.error_reply('workroom_conflict')
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[1])
return redis.status_reply('OK')
`)

// reclaimScript bumps the attempt of a running job whose previous
// holder died, leaving the status untouched. The attempt guard makes
// it lose to any concurrent settle or re-claim.
//
// KEYS: 1 job hash
// ARGV: 1 from attempt, 2 to attempt, 3 now
var reclaimScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return redis.error_reply('workroom_not_found')
end
if cur ~= 'running' or redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then
  return redis.error_reply('workroom_conflict')
end
redis.call('HSET', KEYS[1], 'attempt', ARGV[2], 'updated_at', ARGV[3])
return redis.status_reply('OK')
`)

// CreateJob atomically inserts the job unless a live reservation exists
// for its (OwnerID, IdempotencyKey) pair.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	jID := j.ID.String()

	if j.IdempotencyKey == "" {
		// No reservation to claim; plain insert.
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), jobToMap(j))
		pipe.ZAdd(ctx, ownerJobsKey(j.OwnerID), goredis.Z{Score: float64(now.UnixMilli()), Member: jID})
		pipe.SAdd(ctx, jobIDsKey, jID)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("workroom/redis: create job: %w", err)
		}
		return j.Clone(), true, nil
	}

	fields := jobToMap(j)
	argv := make([]interface{}, 0, 2+2*len(fields))
	argv = append(argv, jID, now.UnixMilli())
	for k, v := range fields {
		argv = append(argv, k, v)
	}

	keys := []string{
		reservationKey(j.OwnerID, j.IdempotencyKey),
		jobKey(jID),
		ownerJobsKey(j.OwnerID),
		jobIDsKey,
	}
	holder, err := createScript.Run(ctx, s.client, keys, argv...).Text()
	if err != nil {
		return nil, false, fmt.Errorf("workroom/redis: create job: %w", err)
	}
	if holder == "" {
		return j.Clone(), true, nil
	}

	holderID, err := id.ParseJobID(holder)
	if err != nil {
		return nil, false, fmt.Errorf("workroom/redis: parse reservation holder: %w", err)
	}
	existing, err := s.GetJob(ctx, holderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("workroom/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, workroom.ErrJobNotFound
	}
	return mapToJob(vals)
}

// Transition compares-and-swaps the job's status from → to.
func (s *Store) Transition(ctx context.Context, jobID id.JobID, from, to job.Status) (*job.Job, error) {
	if !job.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", workroom.ErrInvalidTransition, from, to)
	}

	// The reservation key is derived from fields that never change after
	// creation, so reading them outside the CAS is safe.
	cur, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	stamp := ""
	resKey := ""
	switch {
	case to == job.StatusRunning:
		stamp = "started"
	case to.IsTerminal():
		stamp = "completed"
		if cur.IdempotencyKey != "" {
			resKey = reservationKey(cur.OwnerID, cur.IdempotencyKey)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	keys := []string{jobKey(jobID.String()), resKey}
	if err := transitionScript.Run(ctx, s.client, keys, string(from), string(to), now, stamp).Err(); err != nil {
		return nil, scriptErr(err, "transition")
	}
	return s.GetJob(ctx, jobID)
}

// RequestCancel sets the job's cancel_requested flag.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := cancelScript.Run(ctx, s.client, []string{jobKey(jobID.String())}, now).Err(); err != nil {
		return nil, scriptErr(err, "request cancel")
	}
	return s.GetJob(ctx, jobID)
}

// CancelRequested reports whether cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, jobID id.JobID) (bool, error) {
	v, err := s.client.HGet(ctx, jobKey(jobID.String()), "cancel_requested").Result()
	if errors.Is(err, goredis.Nil) {
		return false, workroom.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("workroom/redis: cancel requested: %w", err)
	}
	return v == "1", nil
}

// SetResultRef records the result reference and optional error detail.
func (s *Store) SetResultRef(ctx context.Context, jobID id.JobID, ref, errDetail string) error {
	key := jobKey(jobID.String())
	if err := s.requireJob(ctx, key); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.client.HSet(ctx, key,
		"result_ref", ref,
		"last_error", errDetail,
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("workroom/redis: set result ref: %w", err)
	}
	return nil
}

// SetAttempt records the delivery attempt the job is executing under.
func (s *Store) SetAttempt(ctx context.Context, jobID id.JobID, attempt int) error {
	key := jobKey(jobID.String())
	if err := s.requireJob(ctx, key); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.client.HSet(ctx, key,
		"attempt", strconv.Itoa(attempt),
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("workroom/redis: set attempt: %w", err)
	}
	return nil
}

// Reclaim adopts a running job abandoned by a dead worker.
func (s *Store) Reclaim(ctx context.Context, jobID id.JobID, fromAttempt, toAttempt int) (*job.Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	keys := []string{jobKey(jobID.String())}
	args := []interface{}{strconv.Itoa(fromAttempt), strconv.Itoa(toAttempt), now}
	if err := reclaimScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, scriptErr(err, "reclaim")
	}
	return s.GetJob(ctx, jobID)
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, ownerID string, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRevRange(ctx, ownerJobsKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("workroom/redis: list jobs zrevrange: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.GetJob(ctx, mustJobID(jID))
		if getErr != nil {
			continue // purged between index read and fetch
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		jobs = append(jobs, j)
	}

	// The index is scored by creation time; ties keep insertion order.
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// PurgeTerminal deletes terminal jobs completed before the retention
// window and returns how many were removed.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("workroom/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		j, getErr := s.GetJob(ctx, mustJobID(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.IsTerminal() {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, ownerJobsKey(j.OwnerID), jID)
		pipe.HDel(ctx, attemptsKey, jID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("workroom/redis: purge job: %w", pErr)
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

func (s *Store) requireJob(ctx context.Context, key string) error {
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("workroom/redis: job exists: %w", err)
	}
	if exists == 0 {
		return workroom.ErrJobNotFound
	}
	return nil
}

// scriptErr maps the Lua error replies onto the package sentinels.
func scriptErr(err error, op string) error {
	switch {
	case strings.Contains(err.Error(), "workroom_not_found"):
		return workroom.ErrJobNotFound
	case strings.Contains(err.Error(), "workroom_conflict"):
		return workroom.ErrInvalidTransition
	}
	return fmt.Errorf("workroom/redis: %s: %w", op, err)
}

func mustJobID(s string) id.JobID {
	jid, err := id.ParseJobID(s)
	if err != nil {
		return id.Nil
	}
	return jid
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              j.ID.String(),
		"owner_id":        j.OwnerID,
		"workspace_id":    j.WorkspaceID,
		"idempotency_key": j.IdempotencyKey,
		"kind":            j.Kind,
		"payload":         string(j.Payload),
		"status":          string(j.Status),
		"attempt":         strconv.Itoa(j.Attempt),
		"result_ref":      j.ResultRef,
		"last_error":      j.LastError,
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.CancelRequested {
		m["cancel_requested"] = "1"
	} else {
		m["cancel_requested"] = "0"
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("workroom/redis: parse job id: %w", err)
	}

	attempt, _ := strconv.Atoi(m["attempt"])                      //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: workroom.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		OwnerID:         m["owner_id"],
		WorkspaceID:     m["workspace_id"],
		IdempotencyKey:  m["idempotency_key"],
		Kind:            m["kind"],
		Payload:         []byte(m["payload"]),
		Status:          job.Status(m["status"]),
		Attempt:         attempt,
		CancelRequested: m["cancel_requested"] == "1",
		ResultRef:       m["result_ref"],
		LastError:       m["last_error"],
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}

	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	return j, nil
}
