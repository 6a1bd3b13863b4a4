package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/comptaflow/comptaflow/internal/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter decides whether an endpoint may receive another request now
type Limiter interface {
	Allow(ctx context.Context, endpointID uuid.UUID, perMinute int) (bool, time.Duration)
}

// RedisLimiter is a sliding-window limiter shared by every process
type RedisLimiter struct {
	redis  *cache.Redis
	window time.Duration
}

// NewRedisLimiter creates a limiter with a one-minute window
func NewRedisLimiter(r *cache.Redis) *RedisLimiter {
	return &RedisLimiter{redis: r, window: time.Minute}
}

// Allow records the request when it fits in the window.
// Redis errors fail open.
func (r *RedisLimiter) Allow(ctx context.Context, endpointID uuid.UUID, perMinute int) (bool, time.Duration) {
	now := time.Now()
	windowStart := now.Add(-r.window)
	key := fmt.Sprintf("ratelimit:webhook:%s", endpointID)

	// Score = timestamp, Member = unique request ID
	pipe := r.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("endpoint_id", endpointID.String()).Msg("Failed to check webhook rate limit")
		return true, 0
	}

	if countCmd.Val() >= int64(perMinute) {
		retryAfter := r.window
		oldest, err := r.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			retryAfter = time.Unix(0, int64(oldest[0].Score)).Add(r.window).Sub(now)
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
		}
		return false, retryAfter
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	if err := r.redis.Client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("endpoint_id", endpointID.String()).Msg("Failed to add webhook rate limit entry")
	}
	r.redis.Client.Expire(ctx, key, r.window*2)
	return true, 0
}

// LocalLimiter is an in-process token bucket per endpoint
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*localBucket
}

type localBucket struct {
	perMinute int
	limiter   *rate.Limiter
}

// NewLocalLimiter creates an empty in-process limiter
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[uuid.UUID]*localBucket)}
}

// Allow consumes one token if available
func (l *LocalLimiter) Allow(_ context.Context, endpointID uuid.UUID, perMinute int) (bool, time.Duration) {
	if perMinute <= 0 {
		return true, 0
	}

	l.mu.Lock()
	b, ok := l.limiters[endpointID]
	if !ok || b.perMinute != perMinute {
		b = &localBucket{
			perMinute: perMinute,
			limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		l.limiters[endpointID] = b
	}
	l.mu.Unlock()

	r := b.limiter.Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
