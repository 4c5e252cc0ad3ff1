package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exercise(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: %v %v", ok, err)
	}
	if ok, _ := c.SetNX(ctx, "k", "v2", time.Minute); ok {
		t.Fatal("second SetNX must fail")
	}
	v, found, err := c.Get(ctx, "k")
	if err != nil || !found || v != "v1" {
		t.Fatalf("Get: %q %v %v", v, found, err)
	}
	if err := c.Set(ctx, "k", "v3", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _, _ := c.Get(ctx, "k"); v != "v3" {
		t.Fatalf("expected v3, got %q", v)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, err := c.Get(ctx, "k"); found || err != nil {
		t.Fatalf("miss must be found=false with nil error, got %v %v", found, err)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	_ = m.Set(ctx, "k", "v", time.Second)
	now = now.Add(2 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("expired entry must be gone")
	}
	if ok, _ := m.SetNX(ctx, "k", "again", time.Second); !ok {
		t.Fatal("SetNX after expiry must succeed")
	}
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exercise(t, NewRedis(client))

	r := NewRedis(client)
	_ = r.Set(context.Background(), "ttl", "v", time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, found, _ := r.Get(context.Background(), "ttl"); found {
		t.Fatal("expected ttl expiry")
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	if _, ok := New(context.Background(), "").(*Memory); !ok {
		t.Fatal("empty addr must use memory")
	}
	mr := miniredis.RunT(t)
	if _, ok := New(context.Background(), mr.Addr()).(*Redis); !ok {
		t.Fatal("reachable redis must be used")
	}
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := New(ctx, addr).(*Memory); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}
}
