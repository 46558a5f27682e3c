package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veripact/veripact/internal/ratelimit"
)

var ctx = context.Background()

func testPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		Window:        time.Hour,
		Threshold:     20,
		BlockDuration: time.Hour,
	}
}

func TestClientKey(t *testing.T) {
	if got := ratelimit.ClientKey("203.0.113.7", ""); got != "203.0.113.7" {
		t.Errorf("ClientKey: got %q", got)
	}
	if got := ratelimit.ClientKey("203.0.113.7", "tr_42"); got != "203.0.113.7|tr_42" {
		t.Errorf("ClientKey with resource: got %q", got)
	}
	if got := ratelimit.ClientKey("", ""); got != ratelimit.UnknownKey {
		t.Errorf("ClientKey empty: got %q, want %q", got, ratelimit.UnknownKey)
	}
	if got := ratelimit.ClientKey("  ", ""); got != ratelimit.UnknownKey {
		t.Errorf("ClientKey whitespace: got %q, want %q", got, ratelimit.UnknownKey)
	}
}

func TestCheckAndRecord_thresholdThenBlock(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		d, err := l.CheckAndRecord(ctx, "203.0.113.7", now.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d: blocked, want allowed", i+1)
		}
		if d.Count != i+1 {
			t.Fatalf("attempt %d: count = %d", i+1, d.Count)
		}
	}

	at := now.Add(30 * time.Minute)
	d, err := l.CheckAndRecord(ctx, "203.0.113.7", at)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("21st attempt allowed, want blocked")
	}
	if want := at.Add(time.Hour); !d.BlockedUntil.Equal(want) {
		t.Errorf("BlockedUntil = %v, want %v", d.BlockedUntil, want)
	}
}

func TestCheckAndRecord_blockExpires(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 21; i++ {
		_, _ = l.CheckAndRecord(ctx, "203.0.113.7", now)
	}

	// Still inside the block.
	d, _ := l.CheckAndRecord(ctx, "203.0.113.7", now.Add(59*time.Minute))
	if d.Allowed {
		t.Fatal("attempt inside block window allowed")
	}

	// Block and window both expired: allowed again with a fresh count.
	d, _ = l.CheckAndRecord(ctx, "203.0.113.7", now.Add(61*time.Minute))
	if !d.Allowed {
		t.Fatal("attempt after block expiry still blocked")
	}
	if d.Count != 1 {
		t.Errorf("count after window reset = %d, want 1", d.Count)
	}
}

func TestCheckAndRecord_windowReset(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, _ = l.CheckAndRecord(ctx, "k", now)
	}
	d, _ := l.CheckAndRecord(ctx, "k", now.Add(time.Hour+time.Second))
	if !d.Allowed || d.Count != 1 {
		t.Errorf("after window expiry: allowed=%v count=%d, want allowed count=1", d.Allowed, d.Count)
	}
}

func TestCheckAndRecord_keysAreIndependent(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 21; i++ {
		_, _ = l.CheckAndRecord(ctx, "198.51.100.1", now)
	}
	d, _ := l.CheckAndRecord(ctx, "198.51.100.2", now)
	if !d.Allowed {
		t.Error("unrelated key blocked")
	}
}

func TestCheckAndRecord_concurrentAtThreshold(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const callers = 50
	var wg sync.WaitGroup
	allowed := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndRecord(ctx, "203.0.113.7", now)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != 20 {
		t.Errorf("%d concurrent calls allowed, want exactly 20", n)
	}
}

func TestGC_keepsActiveRecords(t *testing.T) {
	l := ratelimit.NewMemory(testPolicy())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _ = l.CheckAndRecord(ctx, "fresh", now)
	_, _ = l.CheckAndRecord(ctx, "stale", now.Add(-2*time.Hour))

	if removed := l.GC(now); removed != 1 {
		t.Errorf("GC removed %d records, want 1", removed)
	}

	// The surviving record still counts from its existing window.
	d, _ := l.CheckAndRecord(ctx, "fresh", now)
	if d.Count != 2 {
		t.Errorf("fresh key count after GC = %d, want 2", d.Count)
	}
}
