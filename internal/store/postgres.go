package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the timer mutation contract. Every mutating statement
// is a single conditional write; a zero-row result is disambiguated into one
// of these so the service layer can map it to the right failure.
var (
	ErrIssueNotFound  = errors.New("issue not found")
	ErrTimerExists    = errors.New("active timer already exists")
	ErrNoActiveTimer  = errors.New("no active timer")
	ErrTimerPaused    = errors.New("timer is paused")
	ErrTimerNotPaused = errors.New("timer is not paused")
	ErrStaleTimer     = errors.New("timer state changed concurrently")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) (Issue, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (id, title, estimated_hours)
		VALUES ($1, $2, $3)
		RETURNING id, title, estimated_hours, logged_hours, total_time_spent_seconds, created_at, updated_at
	`, issue.ID, issue.Title, issue.EstimatedHours).Scan(
		&issue.ID, &issue.Title, &issue.EstimatedHours, &issue.LoggedHours,
		&issue.TotalTimeSpentSeconds, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var issue Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, estimated_hours, logged_hours, total_time_spent_seconds, created_at, updated_at
		FROM issues
		WHERE id=$1
	`, issueID).Scan(
		&issue.ID, &issue.Title, &issue.EstimatedHours, &issue.LoggedHours,
		&issue.TotalTimeSpentSeconds, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, ErrIssueNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) SetEstimatedHours(ctx context.Context, issueID string, hours float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET estimated_hours=$2, updated_at=NOW() WHERE id=$1
	`, issueID, hours)
	if err != nil {
		return fmt.Errorf("set estimated hours: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrIssueNotFound
	}
	return nil
}

const activeTimerColumns = `issue_id, id, user_id, start_time, last_activity_at, is_paused, paused_at,
	accumulated_paused_seconds, auto_paused_end_of_day, is_extra_hours, created_at`

func scanActiveTimer(row interface{ Scan(...any) error }) (ActiveTimer, error) {
	var t ActiveTimer
	err := row.Scan(
		&t.IssueID, &t.ID, &t.UserID, &t.StartTime, &t.LastActivityAt, &t.IsPaused,
		&t.PausedAt, &t.AccumulatedPausedSeconds, &t.AutoPausedEndOfDay, &t.IsExtraHours, &t.CreatedAt,
	)
	return t, err
}

// GetActiveTimer returns nil when the issue has no in-progress session.
func (s *PostgresStore) GetActiveTimer(ctx context.Context, issueID string) (*ActiveTimer, error) {
	t, err := scanActiveTimer(s.db.QueryRowContext(ctx,
		`SELECT `+activeTimerColumns+` FROM active_timers WHERE issue_id=$1`, issueID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active timer: %w", err)
	}
	return &t, nil
}

// CreateActiveTimer inserts the session row for an issue. The primary key on
// issue_id makes this the single-timer guard: a concurrent start loses the
// insert race and gets ErrTimerExists, never an overwrite.
func (s *PostgresStore) CreateActiveTimer(ctx context.Context, t ActiveTimer) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO active_timers (issue_id, id, user_id, start_time, last_activity_at,
			is_paused, paused_at, accumulated_paused_seconds, auto_paused_end_of_day, is_extra_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (issue_id) DO NOTHING
	`, t.IssueID, t.ID, t.UserID, t.StartTime, t.LastActivityAt,
		t.IsPaused, t.PausedAt, t.AccumulatedPausedSeconds, t.AutoPausedEndOfDay, t.IsExtraHours)
	if err != nil {
		return fmt.Errorf("create active timer: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrTimerExists
	}
	return nil
}

// UpdateActiveTimer applies a computed transition only if the row still holds
// the session the transition was computed from, in the same pause state. The
// id predicate stops a transition computed from one session from landing on a
// replacement session that happens to share the pause state. A false return
// means the row moved underneath the caller (or is gone) and the transition
// must not be applied.
func (s *PostgresStore) UpdateActiveTimer(ctx context.Context, t ActiveTimer, expectPaused bool, expectPausedAt *time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE active_timers
		SET last_activity_at=$2, is_paused=$3, paused_at=$4,
			accumulated_paused_seconds=$5, auto_paused_end_of_day=$6
		WHERE issue_id=$1 AND id=$9 AND is_paused=$7 AND paused_at IS NOT DISTINCT FROM $8
	`, t.IssueID, t.LastActivityAt, t.IsPaused, t.PausedAt,
		t.AccumulatedPausedSeconds, t.AutoPausedEndOfDay, expectPaused, expectPausedAt, t.ID)
	if err != nil {
		return false, fmt.Errorf("update active timer: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// TouchTimer advances last_activity_at for a running, unpaused session.
// Returns false when there is nothing to touch; that is a no-op, not an error.
func (s *PostgresStore) TouchTimer(ctx context.Context, issueID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE active_timers SET last_activity_at=$2
		WHERE issue_id=$1 AND is_paused=FALSE
	`, issueID, at)
	if err != nil {
		return false, fmt.Errorf("touch timer: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// CompleteTimer removes the session row and appends the finalized entry in a
// single transaction. The delete is guarded by the fields the entry was
// computed from; if another writer got in between, ErrStaleTimer tells the
// caller to recompute against the fresh row.
func (s *PostgresStore) CompleteTimer(ctx context.Context, expect ActiveTimer, entry TimeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stop tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM active_timers
		WHERE issue_id=$1 AND start_time=$2 AND is_paused=$3
			AND accumulated_paused_seconds=$4 AND paused_at IS NOT DISTINCT FROM $5
	`, expect.IssueID, expect.StartTime, expect.IsPaused,
		expect.AccumulatedPausedSeconds, expect.PausedAt)
	if err != nil {
		return fmt.Errorf("delete active timer: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM active_timers WHERE issue_id=$1)`, expect.IssueID).Scan(&exists); err != nil {
			return fmt.Errorf("check active timer: %w", err)
		}
		if exists {
			return ErrStaleTimer
		}
		return ErrNoActiveTimer
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO time_entries (id, issue_id, user_id, start_time, end_time,
			duration_seconds, paused_seconds, source, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.IssueID, entry.UserID, entry.StartTime, entry.EndTime,
		entry.DurationSeconds, entry.PausedSeconds, entry.Source, entry.Description); err != nil {
		return fmt.Errorf("insert time entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, recomputeTotalSQL, entry.IssueID); err != nil {
		return fmt.Errorf("recompute total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stop tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTimeLog(ctx context.Context, log TimeLog) (TimeLog, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO time_logs (id, issue_id, user_id, seconds, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING logged_at
	`, log.ID, log.IssueID, log.UserID, log.Seconds, log.Description).Scan(&log.LoggedAt)
	if err != nil {
		return TimeLog{}, fmt.Errorf("insert time log: %w", err)
	}
	return log, nil
}

func (s *PostgresStore) UpdateTimeEntry(ctx context.Context, issueID, entryID string, durationSeconds *int64, description *string) (TimeEntry, error) {
	entry, err := scanTimeEntry(s.db.QueryRowContext(ctx, `
		UPDATE time_entries
		SET duration_seconds=COALESCE($3, duration_seconds),
			description=COALESCE($4, description)
		WHERE issue_id=$1 AND id=$2
		RETURNING id, issue_id, user_id, start_time, end_time, duration_seconds,
			paused_seconds, source, description, created_at
	`, issueID, entryID, durationSeconds, description))
	if err != nil {
		return TimeEntry{}, err
	}
	return entry, nil
}

func scanTimeEntry(row interface{ Scan(...any) error }) (TimeEntry, error) {
	var e TimeEntry
	err := row.Scan(
		&e.ID, &e.IssueID, &e.UserID, &e.StartTime, &e.EndTime,
		&e.DurationSeconds, &e.PausedSeconds, &e.Source, &e.Description, &e.CreatedAt,
	)
	return e, err
}

func (s *PostgresStore) ListTimeEntries(ctx context.Context, issueID string) ([]TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, user_id, start_time, end_time, duration_seconds,
			paused_seconds, source, description, created_at
		FROM time_entries
		WHERE issue_id=$1
		ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	defer rows.Close()

	items := make([]TimeEntry, 0)
	for rows.Next() {
		entry, err := scanTimeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTimeLogs(ctx context.Context, issueID string) ([]TimeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, user_id, seconds, description, logged_at
		FROM time_logs
		WHERE issue_id=$1
		ORDER BY logged_at
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list time logs: %w", err)
	}
	defer rows.Close()

	items := make([]TimeLog, 0)
	for rows.Next() {
		var log TimeLog
		if err := rows.Scan(&log.ID, &log.IssueID, &log.UserID, &log.Seconds, &log.Description, &log.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan time log: %w", err)
		}
		items = append(items, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time logs: %w", err)
	}
	return items, nil
}

// recomputeTotalSQL derives the aggregate from the ledger alone; there is no
// incremental counter to drift.
const recomputeTotalSQL = `
	UPDATE issues
	SET total_time_spent_seconds = totals.total,
		logged_hours = totals.total / 3600.0,
		updated_at = NOW()
	FROM (
		SELECT
			COALESCE((SELECT SUM(duration_seconds) FROM time_entries WHERE issue_id=$1), 0) +
			COALESCE((SELECT SUM(seconds) FROM time_logs WHERE issue_id=$1), 0) AS total
	) AS totals
	WHERE id=$1
`

func (s *PostgresStore) RecomputeTotal(ctx context.Context, issueID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, recomputeTotalSQL, issueID)
	if err != nil {
		return 0, fmt.Errorf("recompute total: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return 0, ErrIssueNotFound
	}
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT total_time_spent_seconds FROM issues WHERE id=$1`, issueID).Scan(&total); err != nil {
		return 0, fmt.Errorf("read total: %w", err)
	}
	return total, nil
}

// ListRunningTimers feeds the auto-pause sweep: every unpaused session.
func (s *PostgresStore) ListRunningTimers(ctx context.Context) ([]ActiveTimer, error) {
	return s.listTimers(ctx, `SELECT `+activeTimerColumns+` FROM active_timers WHERE is_paused=FALSE ORDER BY last_activity_at`)
}

// ListEndOfDayPaused feeds the resume sweep: sessions the end-of-day cutoff
// paused, and only those. User and inactivity pauses stay untouched.
func (s *PostgresStore) ListEndOfDayPaused(ctx context.Context) ([]ActiveTimer, error) {
	return s.listTimers(ctx, `SELECT `+activeTimerColumns+` FROM active_timers WHERE is_paused=TRUE AND auto_paused_end_of_day=TRUE ORDER BY paused_at`)
}

func (s *PostgresStore) listTimers(ctx context.Context, query string) ([]ActiveTimer, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()

	items := make([]ActiveTimer, 0)
	for rows.Next() {
		t, err := scanActiveTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active timer: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timers: %w", err)
	}
	return items, nil
}
