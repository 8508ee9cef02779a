// Package lease 提供基于 Redis 的跨进程租约。
//
// 租约用 SET NX PX 加锁，值为随机 owner token；释放时只删除自己持有的键，
// 过期后自动失效，持有者崩溃不会导致死锁。
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pricesync:lease:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 创建租约。rdb 为 nil 时所有租约都直接成功（单进程部署）。
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// Lease 一个已获得的租约。
type Lease struct {
	rdb   *redis.Client
	key   string
	owner string
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		rdb: rdb,
		ttl: ttl,
	}
}

// Key 由多个部分组成租约名，部分内容经过哈希，避免查询词中的特殊字符进入键名。
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TryAcquire 尝试获取租约，已被他人持有时返回 (nil, false, nil)。
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Lease, bool, error) {
	if l == nil || l.rdb == nil {
		return &Lease{}, true, nil
	}
	owner := uuid.NewString()
	key := keyPrefix + name
	ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{rdb: l.rdb, key: key, owner: owner}, true, nil
}

// Release 释放租约。租约已过期或被他人重新获取时不做任何事。
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil || ls.rdb == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, ls.rdb, []string{ls.key}, ls.owner).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Owner 返回持有者标识，未启用 Redis 时为空。
func (ls *Lease) Owner() string {
	if ls == nil {
		return ""
	}
	return ls.owner
}
