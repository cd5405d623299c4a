package scheduler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"tempo/api/internal/app"
	"tempo/api/internal/store"
	"tempo/api/internal/timer"
)

type fakeService struct {
	runningTimersFn        func(context.Context) ([]store.ActiveTimer, error)
	pauseTimerFn           func(context.Context, string, timer.Cause) (store.ActiveTimer, error)
	resumeEndOfDayPausedFn func(context.Context) (int, error)

	pauses []pauseCall
}

type pauseCall struct {
	issueID string
	cause   timer.Cause
}

func (f *fakeService) RunningTimers(ctx context.Context) ([]store.ActiveTimer, error) {
	if f.runningTimersFn != nil {
		return f.runningTimersFn(ctx)
	}
	return nil, nil
}

func (f *fakeService) PauseTimer(ctx context.Context, issueID string, cause timer.Cause) (store.ActiveTimer, error) {
	f.pauses = append(f.pauses, pauseCall{issueID: issueID, cause: cause})
	if f.pauseTimerFn != nil {
		return f.pauseTimerFn(ctx, issueID, cause)
	}
	return store.ActiveTimer{IssueID: issueID, IsPaused: true}, nil
}

func (f *fakeService) ResumeEndOfDayPaused(ctx context.Context) (int, error) {
	if f.resumeEndOfDayPausedFn != nil {
		return f.resumeEndOfDayPausedFn(ctx)
	}
	return 0, nil
}

type fakeProbe struct {
	fresh map[string]bool
}

func (f *fakeProbe) Fresh(_ context.Context, issueID string) (bool, error) {
	return f.fresh[issueID], nil
}

func runningTimer(issueID string, lastActivity time.Time) store.ActiveTimer {
	return store.ActiveTimer{
		IssueID:        issueID,
		UserID:         "user_1",
		StartTime:      lastActivity.Add(-time.Hour),
		LastActivityAt: lastActivity,
	}
}

func newAutoPause(service timerService, probe activityProbe) *AutoPause {
	// keep the cutoff two hours ahead so only inactivity can fire
	ahead := time.Now().UTC().Add(2 * time.Hour)
	cutoff := timer.Cutoff{Hour: ahead.Hour(), Minute: ahead.Minute(), Loc: time.UTC}
	return NewAutoPause(service, probe, zap.NewNop(), time.Minute, 15*time.Minute, cutoff)
}

func TestAutoPausePausesStaleTimers(t *testing.T) {
	fake := &fakeService{
		runningTimersFn: func(context.Context) ([]store.ActiveTimer, error) {
			return []store.ActiveTimer{
				runningTimer("iss_stale", time.Now().Add(-30*time.Minute)),
				runningTimer("iss_fresh", time.Now().Add(-time.Minute)),
			}, nil
		},
	}
	sweep := newAutoPause(fake, nil)
	sweep.Tick(context.Background())

	if len(fake.pauses) != 1 {
		t.Fatalf("expected one pause, got %v", fake.pauses)
	}
	if fake.pauses[0].issueID != "iss_stale" || fake.pauses[0].cause != timer.CauseInactivity {
		t.Fatalf("unexpected pause %v", fake.pauses[0])
	}
}

func TestAutoPauseProbeSuppressesInactivity(t *testing.T) {
	fake := &fakeService{
		runningTimersFn: func(context.Context) ([]store.ActiveTimer, error) {
			// ledger write throttled; fast-path signal says the user is there
			return []store.ActiveTimer{runningTimer("iss_1", time.Now().Add(-30*time.Minute))}, nil
		},
	}
	probe := &fakeProbe{fresh: map[string]bool{"iss_1": true}}
	sweep := newAutoPause(fake, probe)
	sweep.Tick(context.Background())

	if len(fake.pauses) != 0 {
		t.Fatalf("fresh signal must suppress the pause, got %v", fake.pauses)
	}
}

func TestAutoPauseEndOfDay(t *testing.T) {
	// use a cutoff one minute in the past so "crossed" is fresh but activity
	// is recent enough to not be inactive
	nowLocal := time.Now().UTC()
	boundary := nowLocal.Add(-time.Minute)
	cutoff := timer.Cutoff{Hour: boundary.Hour(), Minute: boundary.Minute(), Loc: time.UTC}

	fake := &fakeService{
		runningTimersFn: func(context.Context) ([]store.ActiveTimer, error) {
			return []store.ActiveTimer{runningTimer("iss_1", nowLocal.Add(-5*time.Minute))}, nil
		},
	}
	sweep := NewAutoPause(fake, nil, zap.NewNop(), time.Minute, 15*time.Minute, cutoff)
	sweep.Tick(context.Background())

	if len(fake.pauses) != 1 || fake.pauses[0].cause != timer.CauseEndOfDay {
		t.Fatalf("expected an end_of_day pause, got %v", fake.pauses)
	}
}

func TestAutoPauseInactivityWinsOverEndOfDay(t *testing.T) {
	nowLocal := time.Now().UTC()
	boundary := nowLocal.Add(-time.Minute)
	cutoff := timer.Cutoff{Hour: boundary.Hour(), Minute: boundary.Minute(), Loc: time.UTC}

	fake := &fakeService{
		runningTimersFn: func(context.Context) ([]store.ActiveTimer, error) {
			// stale AND past the cutoff: inactivity is the stronger signal
			return []store.ActiveTimer{runningTimer("iss_1", nowLocal.Add(-30*time.Minute))}, nil
		},
	}
	sweep := NewAutoPause(fake, nil, zap.NewNop(), time.Minute, 15*time.Minute, cutoff)
	sweep.Tick(context.Background())

	if len(fake.pauses) != 1 || fake.pauses[0].cause != timer.CauseInactivity {
		t.Fatalf("expected inactivity to win, got %v", fake.pauses)
	}
}

func TestAutoPauseSwallowsInvalidStateRaces(t *testing.T) {
	fake := &fakeService{
		runningTimersFn: func(context.Context) ([]store.ActiveTimer, error) {
			return []store.ActiveTimer{
				runningTimer("iss_1", time.Now().Add(-30*time.Minute)),
				runningTimer("iss_2", time.Now().Add(-30*time.Minute)),
			}, nil
		},
		pauseTimerFn: func(_ context.Context, issueID string, _ timer.Cause) (store.ActiveTimer, error) {
			if issueID == "iss_1" {
				// a user stop got there first
				return store.ActiveTimer{}, &app.DomainError{
					Status: http.StatusConflict,
					Code:   app.CodeInvalidTimerState,
				}
			}
			return store.ActiveTimer{IssueID: issueID, IsPaused: true}, nil
		},
	}
	sweep := newAutoPause(fake, nil)
	sweep.Tick(context.Background())

	// both attempted, neither race aborted the sweep
	if len(fake.pauses) != 2 {
		t.Fatalf("expected both timers attempted, got %v", fake.pauses)
	}
}

func cutoffAt(at time.Time) timer.Cutoff {
	return timer.Cutoff{Hour: at.Hour(), Minute: at.Minute(), Loc: time.UTC}
}

func TestResumeSweepTickWithinWorkingDay(t *testing.T) {
	calls := 0
	fake := &fakeService{
		resumeEndOfDayPausedFn: func(context.Context) (int, error) {
			calls++
			return 2, nil
		},
	}
	// start boundary just passed, cutoff still ahead
	nowUTC := time.Now().UTC()
	start := cutoffAt(nowUTC.Add(-time.Minute))
	end := cutoffAt(nowUTC.Add(time.Hour))
	sweep := NewResumeSweep(fake, zap.NewNop(), time.Minute, start, end)
	sweep.Tick(context.Background())

	if calls != 1 {
		t.Fatalf("expected one sweep call, got %d", calls)
	}
}

func TestResumeSweepHoldsOvernight(t *testing.T) {
	calls := 0
	fake := &fakeService{
		resumeEndOfDayPausedFn: func(context.Context) (int, error) {
			calls++
			return 1, nil
		},
	}
	// cutoff passed five minutes ago, next start boundary not reached: the
	// tick right after an end-of-day pause must not undo it
	nowUTC := time.Now().UTC()
	start := cutoffAt(nowUTC.Add(time.Hour))
	end := cutoffAt(nowUTC.Add(-5 * time.Minute))
	sweep := NewResumeSweep(fake, zap.NewNop(), time.Minute, start, end)
	sweep.Tick(context.Background())

	if calls != 0 {
		t.Fatalf("overnight tick must be a no-op, got %d sweep calls", calls)
	}
}
