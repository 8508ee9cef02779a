// Package ratelimit 提供按来源划分的跨进程令牌桶。
//
// 桶的状态保存在 Redis 中，同一来源的所有同步进程共享。
// Redis 出错时改用进程内的令牌桶，速率与容量相同。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"pricesync/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout 在 ctx 结束前没有拿到令牌。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	keyPrefix = "pricesync:bucket:"
	maxJitter = 10 * time.Millisecond
)

// takeLua 尝试取一个令牌。返回 0 表示成功，否则返回建议等待的毫秒数。
const takeLua = `
local rps = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "level", "at")
local level = tonumber(state[1]) or cap
local at = tonumber(state[2]) or now
if now < at then
  now = at
end
level = math.min(cap, level + (now - at) * rps / 1000.0)

local wait = 0
if level >= 1 then
  level = level - 1
else
  wait = math.ceil((1 - level) * 1000.0 / rps)
end

redis.call("HSET", KEYS[1], "level", tostring(level), "at", tostring(now))
redis.call("PEXPIRE", KEYS[1], math.ceil(cap * 1000.0 / rps) + 1000)
return wait
`

var takeScript = redis.NewScript(takeLua)

// Key 返回来源对应的桶键。
func Key(source string) string {
	return keyPrefix + source
}

// SourceBucket 限制单个来源的请求速率。
type SourceBucket struct {
	source string
	rps    float64
	burst  float64
	rdb    *redis.Client
	local  *rate.Limiter
	logger *slog.Logger

	degraded atomic.Bool
}

// NewSourceBucket 创建来源令牌桶。rps 为每秒补充的令牌数，burst 为桶容量；
// 任一项不大于 0 时不限流。rdb 为 nil 时只使用进程内的桶。
func NewSourceBucket(rdb *redis.Client, source string, rps, burst float64, logger *slog.Logger) *SourceBucket {
	if logger == nil {
		logger = slog.Default()
	}
	b := &SourceBucket{
		source: source,
		rps:    rps,
		burst:  burst,
		rdb:    rdb,
		logger: logger.With(slog.String("source", source)),
	}
	if rps > 0 && burst > 0 {
		b.local = rate.NewLimiter(rate.Limit(rps), max(1, int(math.Ceil(burst))))
	}
	return b
}

// Acquire 阻塞直到取得一个令牌或 ctx 结束。
func (b *SourceBucket) Acquire(ctx context.Context) error {
	if b == nil || b.local == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.WithLabelValues(b.source).Observe(time.Since(start).Seconds())
	}()

	if b.rdb == nil {
		return b.waitLocal(ctx)
	}
	for {
		wait, err := b.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return b.timeout()
			}
			return b.fallback(ctx, err)
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait + time.Duration(rand.Int64N(int64(maxJitter))))
		select {
		case <-ctx.Done():
			timer.Stop()
			return b.timeout()
		case <-timer.C:
		}
	}
}

func (b *SourceBucket) take(ctx context.Context) (time.Duration, error) {
	ms, err := takeScript.Run(ctx, b.rdb, []string{Key(b.source)}, b.rps, b.burst, time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit take %s: %w", b.source, err)
	}
	if b.degraded.CompareAndSwap(true, false) {
		b.logger.Info("shared rate limit recovered")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (b *SourceBucket) fallback(ctx context.Context, cause error) error {
	metrics.RateLimitFallbackTotal.WithLabelValues(b.source).Inc()
	if b.degraded.CompareAndSwap(false, true) {
		b.logger.Warn("shared rate limit unavailable, using local bucket",
			slog.String("error", cause.Error()))
	}
	return b.waitLocal(ctx)
}

func (b *SourceBucket) waitLocal(ctx context.Context) error {
	if err := b.local.Wait(ctx); err != nil {
		return b.timeout()
	}
	return nil
}

func (b *SourceBucket) timeout() error {
	metrics.RateLimitTimeoutTotal.WithLabelValues(b.source).Inc()
	return ErrRateLimitTimeout
}
