package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(_ context.Context) error { return s.err }

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_allHealthy(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.Register("database", DatabaseProbe(&stubPinger{}))
	checker.Register("audit_backlog", BacklogProbe(func(_ context.Context) (int, error) {
		return 3, nil
	}, 100))

	status := checker.Check(context.Background())
	if !status.Healthy {
		t.Fatalf("expected healthy, got %+v", status)
	}
	if len(status.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(status.Components))
	}
}

func TestCheck_databaseDown(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.Register("database", DatabaseProbe(&stubPinger{err: errors.New("connection refused")}))

	status := checker.Check(context.Background())
	if status.Healthy {
		t.Fatal("expected unhealthy when the database is down")
	}
	comp := status.Components["database"]
	if comp.Healthy || comp.Detail == "" {
		t.Errorf("expected a failing component with detail, got %+v", comp)
	}
}

func TestCheck_backlogThreshold(t *testing.T) {
	n := 5
	checker := New(Config{CacheTTL: time.Nanosecond}, zap.NewNop())
	checker.Register("audit_backlog", BacklogProbe(func(_ context.Context) (int, error) {
		return n, nil
	}, 10))

	if status := checker.Check(context.Background()); !status.Healthy {
		t.Fatalf("backlog below threshold should be healthy: %+v", status)
	}

	n = 11
	time.Sleep(time.Millisecond)
	if status := checker.Check(context.Background()); status.Healthy {
		t.Fatalf("backlog above threshold should be unhealthy: %+v", status)
	}
}

func TestCheck_cachesResults(t *testing.T) {
	calls := 0
	checker := New(Config{CacheTTL: time.Hour}, zap.NewNop())
	checker.Register("counted", func(_ context.Context) error {
		calls++
		return nil
	})

	checker.Check(context.Background())
	checker.Check(context.Background())
	if calls != 1 {
		t.Errorf("expected the second check to hit the cache, got %d probe calls", calls)
	}
}
