package activity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	tracker, err := NewRedisTracker("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	return tracker, s
}

func TestNewRedisTracker(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	tracker, err := NewRedisTracker("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisTracker failed: %v", err)
	}
	defer tracker.Close()

	if err := tracker.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestTouchAndFresh(t *testing.T) {
	tracker, s := setupTestTracker(t, 15*time.Minute)
	defer tracker.Close()
	defer s.Close()

	ctx := context.Background()

	fresh, err := tracker.Fresh(ctx, "iss_1")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if fresh {
		t.Fatal("untouched issue must not be fresh")
	}

	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	fresh, err = tracker.Fresh(ctx, "iss_1")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if !fresh {
		t.Fatal("touched issue must be fresh")
	}
}

func TestSignalExpiresAfterWindow(t *testing.T) {
	tracker, s := setupTestTracker(t, time.Minute)
	defer tracker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	fresh, err := tracker.Fresh(ctx, "iss_1")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if fresh {
		t.Fatal("signal must expire after the inactivity window")
	}
}

func TestTouchRefreshesWindow(t *testing.T) {
	tracker, s := setupTestTracker(t, time.Minute)
	defer tracker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(45 * time.Second)
	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(45 * time.Second)

	fresh, err := tracker.Fresh(ctx, "iss_1")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if !fresh {
		t.Fatal("re-touch must extend the window")
	}
}

func TestClear(t *testing.T) {
	tracker, s := setupTestTracker(t, time.Minute)
	defer tracker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := tracker.Clear(ctx, "iss_1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	fresh, err := tracker.Fresh(ctx, "iss_1")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if fresh {
		t.Fatal("cleared signal must not be fresh")
	}
}

func TestIssueIsolation(t *testing.T) {
	tracker, s := setupTestTracker(t, time.Minute)
	defer tracker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := tracker.Touch(ctx, "iss_1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	fresh, err := tracker.Fresh(ctx, "iss_2")
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	if fresh {
		t.Fatal("signals must be scoped per issue")
	}
}
