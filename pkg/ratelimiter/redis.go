package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

// RedisLimiter is a distributed sliding-window limiter backed by a Redis
// sorted set per key: members are unique per-request tokens, scores are
// request timestamps in milliseconds. ZREMRANGEBYSCORE trims expired
// entries, ZCARD reads the current count, and the whole check-and-append
// runs as a single pipelined round trip so distinct processes sharing a
// Redis instance still serialize correctly per key.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed sliding-window limiter.
func NewRedis(client *redis.Client, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: keyPrefix}
}

func (l *RedisLimiter) redisKey(userID string, ref componentref.Ref) string {
	return l.prefix + userID + ":" + ref.String()
}

// Check mirrors InMemory.Check's semantics using a Redis ZSET.
func (l *RedisLimiter) Check(ctx context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error) {
	if p == nil || p.RateLimit == nil {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	windowMS, err := p.RateLimit.WindowMS()
	if err != nil {
		return Result{}, err
	}
	max := p.RateLimit.Requests
	key := l.redisKey(userID, ref)

	nowMS := time.Now().UnixMilli()
	windowStart := nowMS - windowMS

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimiter: redis pipeline: %w", err)
	}

	count := int(countCmd.Val())
	if count >= max {
		retryAfter := time.Duration(windowMS) * time.Millisecond
		if scores := oldestCmd.Val(); len(scores) > 0 {
			oldest := int64(scores[0].Score)
			ra := oldest + windowMS - nowMS
			if ra < 0 {
				ra = 0
			}
			retryAfter = time.Duration(ra) * time.Millisecond
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	member := fmt.Sprintf("%d-%d", nowMS, count)
	addPipe := l.client.TxPipeline()
	addPipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member})
	addPipe.PExpire(ctx, key, time.Duration(2*windowMS)*time.Millisecond)
	if _, err := addPipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimiter: redis append: %w", err)
	}

	return Result{Allowed: true, Remaining: max - count - 1}, nil
}

// Reset deletes the key entirely.
func (l *RedisLimiter) Reset(ctx context.Context, userID string, ref componentref.Ref) error {
	return l.client.Del(ctx, l.redisKey(userID, ref)).Err()
}

// Status is a non-mutating read of the current window occupancy.
func (l *RedisLimiter) Status(ctx context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error) {
	if p == nil || p.RateLimit == nil {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	windowMS, err := p.RateLimit.WindowMS()
	if err != nil {
		return Result{}, err
	}
	max := p.RateLimit.Requests
	key := l.redisKey(userID, ref)
	nowMS := time.Now().UnixMilli()
	windowStart := nowMS - windowMS

	count, err := l.client.ZCount(ctx, key, fmt.Sprintf("%d", windowStart), "+inf").Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimiter: redis zcount: %w", err)
	}
	if int(count) >= max {
		return Result{Allowed: false, RetryAfter: time.Duration(windowMS) * time.Millisecond}, nil
	}
	return Result{Allowed: true, Remaining: max - int(count)}, nil
}
