package store

import "time"

// Issue carries only what the timer core needs from an issue record: identity
// plus the embedded time-tracking aggregate. Everything else about an issue
// lives in the surrounding project-tracking system.
type Issue struct {
	ID                    string
	Title                 string
	EstimatedHours        *float64
	LoggedHours           float64
	TotalTimeSpentSeconds int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ActiveTimer is the zero-or-one in-progress session row per issue.
// Absence of the row means the issue is idle.
type ActiveTimer struct {
	IssueID                  string
	ID                       string
	UserID                   string
	StartTime                time.Time
	LastActivityAt           time.Time
	IsPaused                 bool
	PausedAt                 *time.Time
	AccumulatedPausedSeconds int64
	AutoPausedEndOfDay       bool
	IsExtraHours             bool
	CreatedAt                time.Time
}

// TimeEntry is a completed automatic session, immutable apart from manual
// corrections through the edit path.
type TimeEntry struct {
	ID              string
	IssueID         string
	UserID          string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int64
	PausedSeconds   int64
	Source          string
	Description     *string
	CreatedAt       time.Time
}

// TimeLog is a manual correction, not derived from a timer session.
type TimeLog struct {
	ID          string
	IssueID     string
	UserID      string
	Seconds     int64
	Description *string
	LoggedAt    time.Time
}

// TimeTracking is the full per-issue ledger view.
type TimeTracking struct {
	EstimatedHours        *float64
	LoggedHours           float64
	TotalTimeSpentSeconds int64
	TimeEntries           []TimeEntry
	TimeLogs              []TimeLog
	ActiveTimer           *ActiveTimer
}
