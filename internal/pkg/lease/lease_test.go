package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return rdb, s
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	rdb, _ := newRedis(t)
	l := NewLocker(rdb, time.Minute)
	ctx := context.Background()
	name := Key("amazon", "iphone 15")

	first, ok, err := l.TryAcquire(ctx, name)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if first.Owner() == "" {
		t.Fatalf("expected owner token")
	}

	if _, ok, err := l.TryAcquire(ctx, name); err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := l.TryAcquire(ctx, name); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLocker_ReleaseOnlyOwnLease(t *testing.T) {
	rdb, s := newRedis(t)
	l := NewLocker(rdb, time.Minute)
	ctx := context.Background()
	name := Key("flipkart", "tv")

	stale, ok, _ := l.TryAcquire(ctx, name)
	if !ok {
		t.Fatalf("acquire failed")
	}
	// 租约过期后被另一个进程获取
	s.FastForward(2 * time.Minute)
	fresh, ok, _ := l.TryAcquire(ctx, name)
	if !ok {
		t.Fatalf("expected acquire after expiry")
	}

	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	got, err := s.Get(keyPrefix + name)
	if err != nil || got != fresh.Owner() {
		t.Fatalf("stale release must not delete new owner's lease: got %q err=%v", got, err)
	}
}

func TestLocker_DisabledWithoutRedis(t *testing.T) {
	l := NewLocker(nil, 0)
	lease, ok, err := l.TryAcquire(context.Background(), "x")
	if err != nil || !ok {
		t.Fatalf("expected no-op lease, ok=%v err=%v", ok, err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLocker_RedisDown(t *testing.T) {
	rdb, s := newRedis(t)
	s.Close()
	l := NewLocker(rdb, time.Second)
	if _, _, err := l.TryAcquire(context.Background(), "x"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestKey(t *testing.T) {
	if Key("a", "bc") == Key("ab", "c") {
		t.Fatalf("key parts must be separated")
	}
	if Key("amazon", "tv") != Key("amazon", "tv") {
		t.Fatalf("key must be stable")
	}
}
