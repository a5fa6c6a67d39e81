package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestLock connects to a local Redis instance if one is reachable,
// skipping otherwise. No mock Redis library appears anywhere in the
// example corpus (unlike the sqlmock-backed Postgres tests), so this
// package's tests are integration tests against a real server rather than
// a hand-rolled fake, matching the style of a genuine network dependency.
func newTestLock(t *testing.T) *Lock {
	t.Helper()
	l := New(Config{Addr: "localhost:6379", KeyPrefix: "dedupe_test:"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("redis not reachable at localhost:6379, skipping: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAcquireGrantsExclusiveHoldUntilReleased(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	key := Key("model-a", 1, "pipeline-1")
	t.Cleanup(func() { _ = l.Release(ctx, key) })

	if err := l.Acquire(ctx, key, time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := l.Acquire(ctx, key, time.Minute)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld on contended acquire, got %v", err)
	}

	if err := l.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Acquire(ctx, key, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireExpiresAfterTTL(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	key := Key("model-b", 2, "pipeline-2")
	t.Cleanup(func() { _ = l.Release(ctx, key) })

	if err := l.Acquire(ctx, key, 50*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if err := l.Acquire(ctx, key, time.Minute); err != nil {
		t.Fatalf("acquire after TTL expiry should succeed, got %v", err)
	}
}

func TestKeyIncludesAllDimensions(t *testing.T) {
	a := Key("model-a", 1, "pipeline-1")
	b := Key("model-a", 1, "pipeline-2")
	c := Key("model-a", 2, "pipeline-1")
	d := Key("model-b", 1, "pipeline-1")

	seen := map[string]bool{a: true}
	for _, k := range []string{b, c, d} {
		if seen[k] {
			t.Fatalf("expected distinct keys, got collision on %q", k)
		}
		seen[k] = true
	}
}
