package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRateLimitKeyPrefix = "toolshelf:ratelimit:"

// RedisLimiter はRedisの固定ウィンドウカウンタによるLimiter。
// 複数プロセスで同じ上限を共有する。Redisが利用できない場合は許可する（fail open）。
type RedisLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter はwindowあたりlimit回まで許可するRedisLimiterを生成する。
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultLoginRateLimit
	}
	if window <= 0 {
		window = DefaultLoginRateWindow
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow はkeyの現在ウィンドウのカウンタをINCRし、上限を超えていれば拒否する。
// INCRとEXPIREは1回のトランザクションパイプラインで送る。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", redisRateLimitKeyPrefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter unavailable, allowing request",
			slog.String("error", err.Error()),
		)
		return true, 0
	}

	if incr.Val() > l.limit {
		return false, windowStart.Add(l.window).Sub(now)
	}
	return true, 0
}

var _ Limiter = (*RedisLimiter)(nil)
