package ratelimit

import (
	"context"
	"testing"
	"time"

	"bookwell/gatekeeper/pkg/quota/store"
)

func newGuardUnderTest(expiry time.Duration) (*ConcurrencyGuard, *store.MemoryStore, *fakeClock) {
	clock := newFakeClock()
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)
	g := NewConcurrencyGuard(st, expiry)
	g.SetClock(clock.Now)
	return g, st, clock
}

// ============================================================================
// Concurrency Guard Tests
// ============================================================================

func TestConcurrencyGuard_AcquireAndRelease(t *testing.T) {
	g, _, _ := newGuardUnderTest(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := g.TryAcquire(ctx, "key-a", 5)
		if err != nil {
			t.Fatalf("acquire %d returned error: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("acquire %d should be allowed", i+1)
		}
		if err := g.IncrementInFlight(ctx, "key-a"); err != nil {
			t.Fatalf("increment %d returned error: %v", i+1, err)
		}
	}

	res, err := g.TryAcquire(ctx, "key-a", 5)
	if err != nil {
		t.Fatalf("6th acquire returned error: %v", err)
	}
	if res.Allowed {
		t.Fatal("6th acquire should be denied at limit 5")
	}
	if res.RetryAfter != time.Second {
		t.Errorf("expected retry after 1s, got %v", res.RetryAfter)
	}

	if err := g.Release(ctx, "key-a"); err != nil {
		t.Fatalf("release returned error: %v", err)
	}
	if res, _ := g.TryAcquire(ctx, "key-a", 5); !res.Allowed {
		t.Fatal("acquire after release should be allowed")
	}
}

func TestConcurrencyGuard_CheckDoesNotConsume(t *testing.T) {
	g, _, _ := newGuardUnderTest(0)
	ctx := context.Background()

	// Repeated checks without IncrementInFlight leave the count at zero.
	for i := 0; i < 10; i++ {
		if res, _ := g.TryAcquire(ctx, "key-a", 1); !res.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
	}

	n, err := g.InFlight(ctx, "key-a")
	if err != nil {
		t.Fatalf("in-flight read returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 in flight, got %d", n)
	}
}

func TestConcurrencyGuard_ReleaseFloorsAtZero(t *testing.T) {
	g, _, _ := newGuardUnderTest(0)
	ctx := context.Background()

	// Releases beyond acquisitions must not drive the counter negative.
	for i := 0; i < 3; i++ {
		if err := g.Release(ctx, "key-a"); err != nil {
			t.Fatalf("release returned error: %v", err)
		}
	}

	if n, _ := g.InFlight(ctx, "key-a"); n != 0 {
		t.Errorf("expected 0 in flight after excess releases, got %d", n)
	}

	if err := g.IncrementInFlight(ctx, "key-a"); err != nil {
		t.Fatalf("increment returned error: %v", err)
	}
	if n, _ := g.InFlight(ctx, "key-a"); n != 1 {
		t.Errorf("expected 1 in flight, got %d", n)
	}
}

func TestConcurrencyGuard_SelfHealsAfterExpiry(t *testing.T) {
	g, _, clock := newGuardUnderTest(10 * time.Second)
	ctx := context.Background()

	// Leak three slots (no Release, as if the callers crashed).
	for i := 0; i < 3; i++ {
		g.IncrementInFlight(ctx, "key-a")
	}
	if res, _ := g.TryAcquire(ctx, "key-a", 3); res.Allowed {
		t.Fatal("acquire at limit should be denied")
	}

	clock.Advance(11 * time.Second)

	res, err := g.TryAcquire(ctx, "key-a", 3)
	if err != nil {
		t.Fatalf("acquire after expiry returned error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("counter should have expired and the acquire succeed")
	}
	if n, _ := g.InFlight(ctx, "key-a"); n != 0 {
		t.Errorf("expected leaked counter to be gone, got %d", n)
	}
}
