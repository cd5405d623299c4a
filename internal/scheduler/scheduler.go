// Package scheduler runs the two periodic ledger sweeps: the auto-pause sweep
// that suspends stale or after-hours timers, and the resume sweep that
// restarts timers the end-of-day cutoff paused. Both derive all of their
// state from the ledger, so a process restart loses nothing.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempo/api/internal/app"
	"tempo/api/internal/store"
	"tempo/api/internal/timer"
)

// timerService is the slice of the facade the sweeps drive. Pauses and
// resumes go through the same operations user requests do, so the sweeps are
// subject to the same invariants.
type timerService interface {
	RunningTimers(ctx context.Context) ([]store.ActiveTimer, error)
	PauseTimer(ctx context.Context, issueID string, cause timer.Cause) (store.ActiveTimer, error)
	ResumeEndOfDayPaused(ctx context.Context) (int, error)
}

// activityProbe answers whether a fresh activity signal exists on the Redis
// fast path. Nil probe means the ledger alone decides.
type activityProbe interface {
	Fresh(ctx context.Context, issueID string) (bool, error)
}

// AutoPause scans running timers and forces a pause when the inactivity
// window elapses or the end-of-day cutoff passes. Inactivity is checked
// first; one cause wins per sweep.
type AutoPause struct {
	service    timerService
	probe      activityProbe
	log        *zap.Logger
	interval   time.Duration
	inactivity time.Duration
	cutoff     timer.Cutoff
}

func NewAutoPause(service timerService, probe activityProbe, log *zap.Logger, interval, inactivity time.Duration, cutoff timer.Cutoff) *AutoPause {
	return &AutoPause{
		service:    service,
		probe:      probe,
		log:        log,
		interval:   interval,
		inactivity: inactivity,
		cutoff:     cutoff,
	}
}

// Run starts the loop until ctx is canceled.
func (a *AutoPause) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("auto-pause sweep stopping")
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick performs one sweep over all running timers.
func (a *AutoPause) Tick(ctx context.Context) {
	timers, err := a.service.RunningTimers(ctx)
	if err != nil {
		a.log.Error("list running timers failed", zap.Error(err))
		return
	}

	for _, t := range timers {
		now := time.Now()
		cause, ok := a.pauseCause(ctx, t, now)
		if !ok {
			continue
		}
		if _, err := a.service.PauseTimer(ctx, t.IssueID, cause); err != nil {
			// Losing to a concurrent pause or stop is the expected race.
			if app.IsInvalidTimerState(err) {
				a.log.Debug("auto-pause lost race", zap.String("issueId", t.IssueID))
				continue
			}
			a.log.Error("auto-pause failed", zap.Error(err), zap.String("issueId", t.IssueID))
			continue
		}
		a.log.Info("timer auto-paused",
			zap.String("issueId", t.IssueID),
			zap.String("cause", string(cause)))
	}
}

func (a *AutoPause) pauseCause(ctx context.Context, t store.ActiveTimer, now time.Time) (timer.Cause, bool) {
	if timer.Inactive(t.LastActivityAt, now, a.inactivity) {
		// The ledger write is throttled; a fresh fast-path signal means the
		// contributor is still there.
		if a.probe != nil {
			fresh, err := a.probe.Fresh(ctx, t.IssueID)
			if err != nil {
				a.log.Warn("activity probe failed", zap.Error(err), zap.String("issueId", t.IssueID))
			} else if fresh {
				return "", false
			}
		}
		return timer.CauseInactivity, true
	}
	if timer.CrossedEndOfDay(t.LastActivityAt, now, a.cutoff) {
		return timer.CauseEndOfDay, true
	}
	return "", false
}

// ResumeSweep resumes every timer the end-of-day cutoff paused, once the next
// working day begins. The elapsed overnight interval is credited as paused
// time by the normal resume transition, never discarded.
type ResumeSweep struct {
	service  timerService
	log      *zap.Logger
	interval time.Duration
	start    timer.Cutoff
	end      timer.Cutoff
}

func NewResumeSweep(service timerService, log *zap.Logger, interval time.Duration, start, end timer.Cutoff) *ResumeSweep {
	return &ResumeSweep{service: service, log: log, interval: interval, start: start, end: end}
}

// Run starts the loop until ctx is canceled.
func (r *ResumeSweep) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("resume sweep stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one sweep. Between the end-of-day cutoff and the next
// start-of-day boundary it is a no-op: a timer parked at end of day must stay
// parked overnight, and the first tick of the new working day restores it.
func (r *ResumeSweep) Tick(ctx context.Context) {
	if !r.withinWorkingDay(time.Now()) {
		return
	}
	resumed, err := r.service.ResumeEndOfDayPaused(ctx)
	if err != nil {
		r.log.Error("resume sweep failed", zap.Error(err))
		return
	}
	if resumed > 0 {
		r.log.Info("resume sweep completed", zap.Int("resumed", resumed))
	}
}

// withinWorkingDay reports whether now falls after the most recent
// start-of-day boundary and before the end-of-day cutoff that follows it.
func (r *ResumeSweep) withinWorkingDay(now time.Time) bool {
	return r.start.LastBefore(now).After(r.end.LastBefore(now))
}
