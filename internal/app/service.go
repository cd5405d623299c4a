package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempo/api/internal/config"
	"tempo/api/internal/store"
	"tempo/api/internal/timer"
	"tempo/api/internal/util"
)

type dataStore interface {
	InsertIssue(context.Context, store.Issue) (store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	SetEstimatedHours(context.Context, string, float64) error
	GetActiveTimer(context.Context, string) (*store.ActiveTimer, error)
	CreateActiveTimer(context.Context, store.ActiveTimer) error
	UpdateActiveTimer(context.Context, store.ActiveTimer, bool, *time.Time) (bool, error)
	TouchTimer(context.Context, string, time.Time) (bool, error)
	CompleteTimer(context.Context, store.ActiveTimer, store.TimeEntry) error
	InsertTimeLog(context.Context, store.TimeLog) (store.TimeLog, error)
	UpdateTimeEntry(context.Context, string, string, *int64, *string) (store.TimeEntry, error)
	ListTimeEntries(context.Context, string) ([]store.TimeEntry, error)
	ListTimeLogs(context.Context, string) ([]store.TimeLog, error)
	RecomputeTotal(context.Context, string) (int64, error)
	ListRunningTimers(context.Context) ([]store.ActiveTimer, error)
	ListEndOfDayPaused(context.Context) ([]store.ActiveTimer, error)
	Ping(ctx context.Context) error
}

// activitySignals is the slice of the Redis tracker the facade needs.
type activitySignals interface {
	Touch(ctx context.Context, issueID string) error
	Clear(ctx context.Context, issueID string) error
	Ping(ctx context.Context) error
}

// Service is the timer facade: the only entry point through which request
// handlers and the background sweeps mutate the ledger. Each operation is a
// conditional read-modify-write scoped to one issue.
type Service struct {
	cfg     config.Config
	store   dataStore
	signals activitySignals
	log     *zap.Logger
	now     func() time.Time

	// ledger write throttle for activity signals, active only when the Redis
	// fast path carries the fine-grained freshness
	touchEvery    time.Duration
	ledgerTouchMu sync.Mutex
	ledgerTouch   map[string]time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, log *zap.Logger) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		log:         log,
		now:         time.Now,
		ledgerTouch: make(map[string]time.Time),
	}
}

// NewWithSignals wires the optional Redis activity fast path. With the fast
// path in place the ledger's last_activity_at is written at most once per
// tenth of the inactivity window; the TTL key absorbs the rest.
func NewWithSignals(cfg config.Config, dataStore *store.PostgresStore, signals activitySignals, log *zap.Logger) *Service {
	service := New(cfg, dataStore, log)
	service.signals = signals
	service.touchEvery = cfg.InactivityThreshold / 10
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSignals(ctx context.Context) error {
	if s.signals == nil {
		return nil
	}
	return s.signals.Ping(ctx)
}

func (s *Service) CreateIssue(ctx context.Context, title string, estimatedHours *float64) (store.Issue, error) {
	if strings.TrimSpace(title) == "" {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "title is required", nil)
	}
	if estimatedHours != nil && *estimatedHours < 0 {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "estimatedHours must not be negative", nil)
	}
	issue := store.Issue{
		ID:             util.NewID("iss"),
		Title:          strings.TrimSpace(title),
		EstimatedHours: estimatedHours,
	}
	return s.store.InsertIssue(ctx, issue)
}

func (s *Service) SetEstimatedHours(ctx context.Context, issueID string, hours float64) (store.Issue, error) {
	if hours < 0 {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "estimatedHours must not be negative", nil)
	}
	if err := s.store.SetEstimatedHours(ctx, issueID, hours); err != nil {
		return store.Issue{}, s.mapStoreError(err)
	}
	return s.store.GetIssue(ctx, issueID)
}

// TimeTracking assembles the full ledger view for one issue.
func (s *Service) TimeTracking(ctx context.Context, issueID string) (store.TimeTracking, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.TimeTracking{}, s.mapStoreError(err)
	}
	entries, err := s.store.ListTimeEntries(ctx, issueID)
	if err != nil {
		return store.TimeTracking{}, err
	}
	logs, err := s.store.ListTimeLogs(ctx, issueID)
	if err != nil {
		return store.TimeTracking{}, err
	}
	active, err := s.store.GetActiveTimer(ctx, issueID)
	if err != nil {
		return store.TimeTracking{}, err
	}
	return store.TimeTracking{
		EstimatedHours:        issue.EstimatedHours,
		LoggedHours:           issue.LoggedHours,
		TotalTimeSpentSeconds: issue.TotalTimeSpentSeconds,
		TimeEntries:           entries,
		TimeLogs:              logs,
		ActiveTimer:           active,
	}, nil
}

// StartTimer opens a session for the issue. A session already in place wins:
// the insert is conditional, so concurrent starts cannot overwrite each other.
func (s *Service) StartTimer(ctx context.Context, issueID, userID string, extraHours bool) (store.ActiveTimer, error) {
	if strings.TrimSpace(userID) == "" {
		return store.ActiveTimer{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "userId is required", nil)
	}
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return store.ActiveTimer{}, s.mapStoreError(err)
	}

	session := timer.Start(util.NewID("tmr"), strings.TrimSpace(userID), extraHours, s.now())
	row := timerRow(issueID, session)
	if err := s.store.CreateActiveTimer(ctx, row); err != nil {
		return store.ActiveTimer{}, s.mapStoreError(err)
	}
	s.touchSignal(ctx, issueID)
	s.log.Info("timer started", zap.String("issueId", issueID), zap.String("userId", row.UserID))
	return row, nil
}

// PauseTimer suspends a running session, tagging the pause with its cause.
func (s *Service) PauseTimer(ctx context.Context, issueID string, cause timer.Cause) (store.ActiveTimer, error) {
	row, err := s.store.GetActiveTimer(ctx, issueID)
	if err != nil {
		return store.ActiveTimer{}, err
	}
	if row == nil {
		return store.ActiveTimer{}, s.mapStoreError(store.ErrNoActiveTimer)
	}

	next, err := timer.Pause(sessionOf(*row), cause, s.now())
	if err != nil {
		return store.ActiveTimer{}, s.mapStoreError(store.ErrTimerPaused)
	}
	updated, err := s.applyTransition(ctx, issueID, *row, next)
	if err != nil {
		return store.ActiveTimer{}, err
	}
	s.log.Info("timer paused",
		zap.String("issueId", issueID), zap.String("cause", string(cause)))
	return updated, nil
}

// ResumeTimer folds the elapsed pause interval and restarts the session.
func (s *Service) ResumeTimer(ctx context.Context, issueID string) (store.ActiveTimer, error) {
	row, err := s.store.GetActiveTimer(ctx, issueID)
	if err != nil {
		return store.ActiveTimer{}, err
	}
	if row == nil {
		return store.ActiveTimer{}, s.mapStoreError(store.ErrNoActiveTimer)
	}

	next, err := timer.Resume(sessionOf(*row), s.now())
	if err != nil {
		return store.ActiveTimer{}, s.mapStoreError(store.ErrTimerNotPaused)
	}
	updated, err := s.applyTransition(ctx, issueID, *row, next)
	if err != nil {
		return store.ActiveTimer{}, err
	}
	s.touchSignal(ctx, issueID)
	s.log.Info("timer resumed",
		zap.String("issueId", issueID),
		zap.Int64("pausedSeconds", updated.AccumulatedPausedSeconds))
	return updated, nil
}

// StopTimer finalizes the session into an immutable entry and reconciles the
// issue total from the ledger. Stopping is legal from both running and paused
// states; an open pause is folded first. A concurrent transition between the
// read and the guarded delete triggers one recompute against the fresh row.
func (s *Service) StopTimer(ctx context.Context, issueID string, description string) (store.TimeEntry, error) {
	description = strings.TrimSpace(description)
	for attempt := 0; attempt < 2; attempt++ {
		row, err := s.store.GetActiveTimer(ctx, issueID)
		if err != nil {
			return store.TimeEntry{}, err
		}
		if row == nil {
			return store.TimeEntry{}, s.mapStoreError(store.ErrNoActiveTimer)
		}

		finalized, clamped := timer.Finalize(sessionOf(*row), s.now())
		if clamped {
			s.log.Warn("negative computed duration clamped to zero",
				zap.String("issueId", issueID),
				zap.Time("startTime", finalized.StartTime),
				zap.Time("endTime", finalized.EndTime),
				zap.Int64("pausedSeconds", finalized.PausedSeconds))
		}

		entry := store.TimeEntry{
			ID:              util.NewID("te"),
			IssueID:         issueID,
			UserID:          finalized.UserID,
			StartTime:       finalized.StartTime,
			EndTime:         finalized.EndTime,
			DurationSeconds: finalized.DurationSeconds,
			PausedSeconds:   finalized.PausedSeconds,
			Source:          "automatic",
		}
		if description != "" {
			entry.Description = &description
		}

		err = s.store.CompleteTimer(ctx, *row, entry)
		if errors.Is(err, store.ErrStaleTimer) {
			continue
		}
		if err != nil {
			return store.TimeEntry{}, s.mapStoreError(err)
		}
		s.clearSignal(ctx, issueID)
		s.log.Info("timer stopped",
			zap.String("issueId", issueID),
			zap.Int64("durationSeconds", entry.DurationSeconds),
			zap.Int64("pausedSeconds", entry.PausedSeconds))
		return entry, nil
	}
	return store.TimeEntry{}, domainError(http.StatusConflict, CodeTimerConflict, "timer state changed concurrently, retry", nil)
}

// RecordActivity records an activity signal. Signals arrive at keystroke
// frequency: when the Redis fast path is wired it takes every signal, and the
// ledger's last_activity_at is only advanced when the last confirmed ledger
// write has aged past the throttle. Absent or paused timers make the ledger
// write a no-op; the caller learns whether anything was recorded, never an
// error.
func (s *Service) RecordActivity(ctx context.Context, issueID string) (bool, error) {
	now := s.now()
	if s.signals != nil {
		s.touchSignal(ctx, issueID)
		if !s.ledgerWriteDue(issueID, now) {
			return true, nil
		}
	}
	touched, err := s.store.TouchTimer(ctx, issueID, now)
	if err != nil {
		return false, err
	}
	if touched {
		s.markLedgerWrite(issueID, now)
	}
	return touched, nil
}

// AddManualTime appends a correction entry. Always legal, running timer or
// not; the aggregate is reconciled from the ledger afterwards.
func (s *Service) AddManualTime(ctx context.Context, issueID, userID string, seconds int64, description string) (store.TimeLog, error) {
	if strings.TrimSpace(userID) == "" {
		return store.TimeLog{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "userId is required", nil)
	}
	if seconds <= 0 {
		return store.TimeLog{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "seconds must be greater than zero", nil)
	}
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return store.TimeLog{}, s.mapStoreError(err)
	}

	log := store.TimeLog{
		ID:      util.NewID("tl"),
		IssueID: issueID,
		UserID:  strings.TrimSpace(userID),
		Seconds: seconds,
	}
	description = strings.TrimSpace(description)
	if description != "" {
		log.Description = &description
	}
	inserted, err := s.store.InsertTimeLog(ctx, log)
	if err != nil {
		return store.TimeLog{}, err
	}
	if _, err := s.store.RecomputeTotal(ctx, issueID); err != nil {
		return store.TimeLog{}, s.mapStoreError(err)
	}
	return inserted, nil
}

// EditTimeEntry corrects a completed entry's duration or description and
// reconciles the total.
func (s *Service) EditTimeEntry(ctx context.Context, issueID, entryID string, durationSeconds *int64, description *string) (store.TimeEntry, error) {
	if durationSeconds == nil && description == nil {
		return store.TimeEntry{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "nothing to update", nil)
	}
	if durationSeconds != nil && *durationSeconds < 0 {
		return store.TimeEntry{}, domainError(http.StatusUnprocessableEntity, CodeValidationError, "durationSeconds must not be negative", nil)
	}
	entry, err := s.store.UpdateTimeEntry(ctx, issueID, entryID, durationSeconds, description)
	if err != nil {
		return store.TimeEntry{}, err
	}
	if _, err := s.store.RecomputeTotal(ctx, issueID); err != nil {
		return store.TimeEntry{}, s.mapStoreError(err)
	}
	return entry, nil
}

// Reconcile recomputes totalTimeSpent from the ledger. Pure function of the
// ledger, safe to run at any time, any number of times.
func (s *Service) Reconcile(ctx context.Context, issueID string) (int64, error) {
	total, err := s.store.RecomputeTotal(ctx, issueID)
	if err != nil {
		return 0, s.mapStoreError(err)
	}
	return total, nil
}

// RunningTimers lists unpaused sessions for the auto-pause sweep.
func (s *Service) RunningTimers(ctx context.Context) ([]store.ActiveTimer, error) {
	return s.store.ListRunningTimers(ctx)
}

// ResumeEndOfDayPaused resumes every session the end-of-day cutoff paused,
// crediting the overnight interval through the normal resume transition.
// User and inactivity pauses are left alone. Returns how many were resumed.
func (s *Service) ResumeEndOfDayPaused(ctx context.Context) (int, error) {
	timers, err := s.store.ListEndOfDayPaused(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, t := range timers {
		if _, err := s.ResumeTimer(ctx, t.IssueID); err != nil {
			if IsInvalidTimerState(err) {
				s.log.Debug("resume sweep lost race", zap.String("issueId", t.IssueID))
				continue
			}
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// applyTransition persists a computed session state, guarded by the pause
// state the transition was computed from. A miss means another writer got in
// first; for pause/resume that is by definition an invalid-state outcome.
func (s *Service) applyTransition(ctx context.Context, issueID string, prev store.ActiveTimer, next timer.Session) (store.ActiveTimer, error) {
	row := timerRow(issueID, next)
	row.CreatedAt = prev.CreatedAt
	ok, err := s.store.UpdateActiveTimer(ctx, row, prev.IsPaused, prev.PausedAt)
	if err != nil {
		return store.ActiveTimer{}, err
	}
	if !ok {
		return store.ActiveTimer{}, domainError(http.StatusConflict, CodeInvalidTimerState, "timer state changed concurrently", nil)
	}
	return row, nil
}

func (s *Service) touchSignal(ctx context.Context, issueID string) {
	if s.signals == nil {
		return
	}
	if err := s.signals.Touch(ctx, issueID); err != nil {
		s.log.Warn("activity signal write failed", zap.String("issueId", issueID), zap.Error(err))
	}
}

func (s *Service) clearSignal(ctx context.Context, issueID string) {
	if s.signals == nil {
		return
	}
	s.ledgerTouchMu.Lock()
	delete(s.ledgerTouch, issueID)
	s.ledgerTouchMu.Unlock()
	if err := s.signals.Clear(ctx, issueID); err != nil {
		s.log.Warn("activity signal clear failed", zap.String("issueId", issueID), zap.Error(err))
	}
}

// ledgerWriteDue reports whether the last confirmed ledger activity write for
// the issue has aged past the throttle. Skipping is only legal after a
// confirmed write, so a signal for an idle issue still reaches the store.
func (s *Service) ledgerWriteDue(issueID string, now time.Time) bool {
	if s.touchEvery <= 0 {
		return true
	}
	s.ledgerTouchMu.Lock()
	defer s.ledgerTouchMu.Unlock()
	last, ok := s.ledgerTouch[issueID]
	return !ok || now.Sub(last) >= s.touchEvery
}

func (s *Service) markLedgerWrite(issueID string, now time.Time) {
	if s.touchEvery <= 0 {
		return
	}
	s.ledgerTouchMu.Lock()
	s.ledgerTouch[issueID] = now
	s.ledgerTouchMu.Unlock()
}

func (s *Service) mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrIssueNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "issue not found", nil)
	case errors.Is(err, store.ErrTimerExists):
		return domainError(http.StatusConflict, CodeTimerConflict, "a timer is already running for this issue", nil)
	case errors.Is(err, store.ErrNoActiveTimer):
		return domainError(http.StatusConflict, CodeInvalidTimerState, "no active timer for this issue", nil)
	case errors.Is(err, store.ErrTimerPaused):
		return domainError(http.StatusConflict, CodeInvalidTimerState, "timer is already paused", nil)
	case errors.Is(err, store.ErrTimerNotPaused):
		return domainError(http.StatusConflict, CodeInvalidTimerState, "timer is not paused", nil)
	}
	return err
}

func sessionOf(row store.ActiveTimer) timer.Session {
	return timer.Session{
		ID:                       row.ID,
		UserID:                   row.UserID,
		StartTime:                row.StartTime,
		LastActivityAt:           row.LastActivityAt,
		IsPaused:                 row.IsPaused,
		PausedAt:                 row.PausedAt,
		AccumulatedPausedSeconds: row.AccumulatedPausedSeconds,
		AutoPausedEndOfDay:       row.AutoPausedEndOfDay,
		IsExtraHours:             row.IsExtraHours,
	}
}

func timerRow(issueID string, session timer.Session) store.ActiveTimer {
	return store.ActiveTimer{
		IssueID:                  issueID,
		ID:                       session.ID,
		UserID:                   session.UserID,
		StartTime:                session.StartTime,
		LastActivityAt:           session.LastActivityAt,
		IsPaused:                 session.IsPaused,
		PausedAt:                 session.PausedAt,
		AccumulatedPausedSeconds: session.AccumulatedPausedSeconds,
		AutoPausedEndOfDay:       session.AutoPausedEndOfDay,
		IsExtraHours:             session.IsExtraHours,
	}
}
