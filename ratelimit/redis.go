package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis is a sliding-window limiter backed by a Redis sorted set per
// key: members are individual requests scored by their timestamp. The
// prune-count-add sequence runs in one pipeline so concurrent callers
// for the same key never both consume the last slot.
//
// The limiter fails open: when Redis is unreachable the request is
// admitted and the outage is logged. Admission control protects the
// service from abuse; it must not become the outage itself.
type Redis struct {
	client   goredis.UniversalClient
	limit    int
	window   time.Duration
	prefix   string
	failOpen bool
	logger   *slog.Logger
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces the limiter's keys. Distinct limiter
// instances must use distinct prefixes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithFailClosed makes the limiter deny requests when Redis is
// unreachable instead of admitting them.
func WithFailClosed() RedisOption {
	return func(r *Redis) { r.failOpen = false }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a limiter allowing limit requests per sliding window
// shared across all processes using the same Redis.
func NewRedis(client goredis.UniversalClient, limit int, window time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		limit:    limit,
		window:   window,
		prefix:   "ratelimit",
		failOpen: true,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Limiter = (*Redis)(nil)

// Admit records one request for the key and decides whether it fits in
// the trailing window.
func (r *Redis) Admit(ctx context.Context, key string) (Decision, error) {
	rkey := r.prefix + ":" + key
	now := time.Now()
	nowNano := now.UnixNano()
	cutoff := nowNano - r.window.Nanoseconds()
	member := strconv.FormatInt(nowNano, 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.ZAdd(ctx, rkey, goredis.Z{Score: float64(nowNano), Member: member})
	pipe.Expire(ctx, rkey, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable(key, err)
	}

	count := int(countCmd.Val())
	if count >= r.limit {
		// Over the limit: withdraw the member we just added so a denied
		// request does not extend the subject's window.
		if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
			r.logger.Warn("ratelimit: failed to withdraw over-limit member",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return Decision{
			Allowed:    false,
			Limit:      r.limit,
			Remaining:  0,
			RetryAfter: r.retryAfter(ctx, rkey, now),
		}, nil
	}

	remaining := r.limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     r.limit,
		Remaining: remaining,
	}, nil
}

// retryAfter derives the wait from the oldest surviving request: its
// slot frees up when it ages out of the window. Falls back to the full
// window when the read fails.
func (r *Redis) retryAfter(ctx context.Context, rkey string, now time.Time) time.Duration {
	zs, err := r.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return r.window
	}
	oldest := time.Unix(0, int64(zs[0].Score))
	retry := oldest.Add(r.window).Sub(now)
	if retry <= 0 {
		return time.Millisecond
	}
	return retry
}

func (r *Redis) unavailable(key string, err error) (Decision, error) {
	if r.failOpen {
		r.logger.Warn("ratelimit: backend unavailable, admitting request",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}, nil
	}
	return Decision{Allowed: false, Limit: r.limit, RetryAfter: r.window},
		fmt.Errorf("ratelimit: backend unavailable: %w", err)
}
