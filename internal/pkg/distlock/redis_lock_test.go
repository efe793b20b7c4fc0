package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestAcquireIsExclusive(t *testing.T) {
	rdb, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "acct-1", time.Minute)
	b := NewRedisLock(rdb, "acct-1", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok {
		t.Error("second holder acquired a held lock")
	}

	// Different key is independent.
	c := NewRedisLock(rdb, "acct-2", time.Minute)
	if ok, _ := c.Acquire(ctx); !ok {
		t.Error("unrelated lock denied")
	}
}

func TestReleaseFreesTheLock(t *testing.T) {
	rdb, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "acct-1", time.Minute)
	a.Acquire(ctx)
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	b := NewRedisLock(rdb, "acct-1", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("lock still held after Release")
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	rdb, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "acct-1", time.Minute)
	b := NewRedisLock(rdb, "acct-1", time.Minute)
	a.Acquire(ctx)

	// b never acquired; its release must not free a's lock.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("Release by non-owner: %v", err)
	}
	c := NewRedisLock(rdb, "acct-1", time.Minute)
	if ok, _ := c.Acquire(ctx); ok {
		t.Error("non-owner release freed the lock")
	}
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	rdb, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "acct-1", time.Second)
	a.Acquire(ctx)

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(rdb, "acct-1", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("expired lock not reacquirable (crashed holder would wedge the account)")
	}
}

func TestExtendRefreshesTTL(t *testing.T) {
	rdb, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "acct-1", time.Second)
	a.Acquire(ctx)
	if err := a.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(rdb, "acct-1", time.Minute)
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("extended lock expired on the original TTL")
	}
}
