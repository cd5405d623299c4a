// Package timer holds the pure work-timer state machine: session transitions,
// duration accounting, and the auto-pause predicates. It performs no I/O; the
// store applies its results with conditional updates.
package timer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cause identifies who or what paused a session.
type Cause string

const (
	CauseUser       Cause = "user"
	CauseInactivity Cause = "inactivity"
	CauseEndOfDay   Cause = "end_of_day"
)

// ParseCause validates a wire-level pause cause.
func ParseCause(raw string) (Cause, bool) {
	switch Cause(strings.TrimSpace(raw)) {
	case CauseUser:
		return CauseUser, true
	case CauseInactivity:
		return CauseInactivity, true
	case CauseEndOfDay:
		return CauseEndOfDay, true
	}
	return "", false
}

var (
	ErrAlreadyPaused = errors.New("timer is already paused")
	ErrNotPaused     = errors.New("timer is not paused")
)

// Session is one in-progress work session on an issue.
// StartTime anchors the whole session, not the latest resume;
// AccumulatedPausedSeconds carries every folded pause interval.
type Session struct {
	ID                       string
	UserID                   string
	StartTime                time.Time
	LastActivityAt           time.Time
	IsPaused                 bool
	PausedAt                 *time.Time
	AccumulatedPausedSeconds int64
	AutoPausedEndOfDay       bool
	IsExtraHours             bool
}

// Entry is the immutable record a finalized session collapses into.
type Entry struct {
	UserID          string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int64
	PausedSeconds   int64
}

// Start opens a new running session owned by userID.
func Start(id, userID string, extraHours bool, now time.Time) Session {
	return Session{
		ID:             id,
		UserID:         userID,
		StartTime:      now,
		LastActivityAt: now,
		IsExtraHours:   extraHours,
	}
}

// Pause moves a running session into the paused state. The pause interval is
// not added to AccumulatedPausedSeconds here; it is folded in on resume or
// stop so the total is never counted twice while the pause is still open.
func Pause(s Session, cause Cause, now time.Time) (Session, error) {
	if s.IsPaused {
		return Session{}, ErrAlreadyPaused
	}
	pausedAt := now
	s.IsPaused = true
	s.PausedAt = &pausedAt
	s.AutoPausedEndOfDay = cause == CauseEndOfDay
	return s, nil
}

// Resume folds the elapsed pause interval into the accumulated total and
// returns the session to the running state. The interval counts as activity.
func Resume(s Session, now time.Time) (Session, error) {
	if !s.IsPaused {
		return Session{}, ErrNotPaused
	}
	s.AccumulatedPausedSeconds += intervalSeconds(*s.PausedAt, now)
	s.IsPaused = false
	s.PausedAt = nil
	s.AutoPausedEndOfDay = false
	s.LastActivityAt = now
	return s, nil
}

// Finalize collapses the session into a completed Entry. A still-open pause
// is folded first, equivalent to an implicit resume. The second return is
// true when clock skew produced a negative duration that was clamped to zero.
func Finalize(s Session, now time.Time) (Entry, bool) {
	paused := s.AccumulatedPausedSeconds
	if s.IsPaused {
		paused += intervalSeconds(*s.PausedAt, now)
	}
	duration := intervalSeconds(s.StartTime, now) - paused
	clamped := duration < 0
	if clamped {
		duration = 0
	}
	return Entry{
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		EndTime:         now,
		DurationSeconds: duration,
		PausedSeconds:   paused,
	}, clamped
}

// Inactive reports whether a running session has gone stale: no activity
// signal within the threshold. Staleness is the trigger for an auto-pause,
// not a guarantee one has happened.
func Inactive(lastActivityAt, now time.Time, threshold time.Duration) bool {
	return now.Sub(lastActivityAt) > threshold
}

// Cutoff is the local wall-clock end-of-day boundary.
type Cutoff struct {
	Hour   int
	Minute int
	Loc    *time.Location
}

// ParseCutoff parses an "HH:MM" cutoff in the given location.
func ParseCutoff(raw string, loc *time.Location) (Cutoff, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return Cutoff{}, fmt.Errorf("cutoff must be HH:MM, got %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Cutoff{}, fmt.Errorf("invalid cutoff hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Cutoff{}, fmt.Errorf("invalid cutoff minute in %q", raw)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Cutoff{Hour: hour, Minute: minute, Loc: loc}, nil
}

// LastBefore returns the most recent cutoff instant at or before now.
func (c Cutoff) LastBefore(now time.Time) time.Time {
	local := now.In(c.Loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, c.Loc)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// CrossedEndOfDay reports whether the end-of-day boundary passed between the
// session's last activity and now.
func CrossedEndOfDay(lastActivityAt, now time.Time, cutoff Cutoff) bool {
	boundary := cutoff.LastBefore(now)
	return lastActivityAt.Before(boundary)
}

// intervalSeconds is the whole-second span between two instants, never
// negative so skewed clocks cannot shrink an accumulated total.
func intervalSeconds(from, to time.Time) int64 {
	seconds := int64(to.Sub(from) / time.Second)
	if seconds < 0 {
		return 0
	}
	return seconds
}
