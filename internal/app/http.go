package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempo/api/internal/store"
	"tempo/api/internal/timer"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch {
	case len(segments) == 2 && segments[1] == "issues" && r.Method == http.MethodPost:
		s.handleCreateIssue(w, r)
	case len(segments) == 3 && segments[1] == "timers" && segments[2] == "resume-sweep" && r.Method == http.MethodPost:
		s.handleResumeSweep(w, r)
	case len(segments) >= 4 && segments[1] == "issues":
		s.handleIssueSubresource(w, r, segments[2], segments[3:])
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSignals(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title          string   `json:"title"`
		EstimatedHours *float64 `json:"estimatedHours"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.CreateIssue(r.Context(), body.Title, body.EstimatedHours)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueView(issue))
}

func (s *HTTPServer) handleResumeSweep(w http.ResponseWriter, r *http.Request) {
	resumed, err := s.service.ResumeEndOfDayPaused(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

func (s *HTTPServer) handleIssueSubresource(w http.ResponseWriter, r *http.Request, issueID string, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "time-tracking" && r.Method == http.MethodGet:
		tracking, err := s.service.TimeTracking(r.Context(), issueID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trackingView(tracking))

	case len(rest) == 1 && rest[0] == "time-tracking" && r.Method == http.MethodPatch:
		var body struct {
			EstimatedHours *float64 `json:"estimatedHours"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.EstimatedHours == nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidationError, "estimatedHours is required", nil)
			return
		}
		issue, err := s.service.SetEstimatedHours(r.Context(), issueID, *body.EstimatedHours)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issueView(issue))

	case len(rest) == 2 && rest[0] == "time-tracking" && rest[1] == "reconcile" && r.Method == http.MethodPost:
		total, err := s.service.Reconcile(r.Context(), issueID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"totalTimeSpent": total})

	case len(rest) == 2 && rest[0] == "timer" && r.Method == http.MethodPost:
		s.handleTimerAction(w, r, issueID, rest[1])

	case len(rest) == 1 && rest[0] == "time-logs" && r.Method == http.MethodPost:
		var body struct {
			UserID      string `json:"userId"`
			Seconds     int64  `json:"seconds"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		log, err := s.service.AddManualTime(r.Context(), issueID, body.UserID, body.Seconds, body.Description)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, logView(log))

	case len(rest) == 2 && rest[0] == "time-entries" && r.Method == http.MethodPatch:
		var body struct {
			DurationSeconds *int64  `json:"durationSeconds"`
			Description     *string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, err := s.service.EditTimeEntry(r.Context(), issueID, rest[1], body.DurationSeconds, body.Description)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entryView(entry))

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleTimerAction(w http.ResponseWriter, r *http.Request, issueID, action string) {
	switch action {
	case "start":
		var body struct {
			UserID       string `json:"userId"`
			IsExtraHours bool   `json:"isExtraHours"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		active, err := s.service.StartTimer(r.Context(), issueID, body.UserID, body.IsExtraHours)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, activeTimerView(active))

	case "pause":
		var body struct {
			Cause string `json:"cause"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cause, ok := timer.ParseCause(body.Cause)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, CodeValidationError, "cause must be one of user, inactivity, end_of_day", nil)
			return
		}
		active, err := s.service.PauseTimer(r.Context(), issueID, cause)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activeTimerView(active))

	case "resume":
		active, err := s.service.ResumeTimer(r.Context(), issueID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activeTimerView(active))

	case "stop":
		var body struct {
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, err := s.service.StopTimer(r.Context(), issueID, body.Description)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entryView(entry))

	case "activity":
		touched, err := s.service.RecordActivity(r.Context(), issueID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recorded": touched})

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func issueView(issue store.Issue) map[string]any {
	return map[string]any{
		"id":             issue.ID,
		"title":          issue.Title,
		"estimatedHours": issue.EstimatedHours,
		"loggedHours":    issue.LoggedHours,
		"totalTimeSpent": issue.TotalTimeSpentSeconds,
		"createdAt":      issue.CreatedAt,
		"updatedAt":      issue.UpdatedAt,
	}
}

func activeTimerView(t store.ActiveTimer) map[string]any {
	return map[string]any{
		"id":                    t.ID,
		"issueId":               t.IssueID,
		"userId":                t.UserID,
		"startTime":             t.StartTime,
		"lastActivityAt":        t.LastActivityAt,
		"isPaused":              t.IsPaused,
		"pausedAt":              t.PausedAt,
		"accumulatedPausedTime": t.AccumulatedPausedSeconds,
		"autoPausedEndOfDay":    t.AutoPausedEndOfDay,
		"isExtraHours":          t.IsExtraHours,
	}
}

func entryView(e store.TimeEntry) map[string]any {
	return map[string]any{
		"id":             e.ID,
		"issueId":        e.IssueID,
		"userId":         e.UserID,
		"startTime":      e.StartTime,
		"endTime":        e.EndTime,
		"duration":       e.DurationSeconds,
		"pausedDuration": e.PausedSeconds,
		"source":         e.Source,
		"description":    e.Description,
		"createdAt":      e.CreatedAt,
	}
}

func logView(l store.TimeLog) map[string]any {
	return map[string]any{
		"id":          l.ID,
		"issueId":     l.IssueID,
		"userId":      l.UserID,
		"seconds":     l.Seconds,
		"hours":       float64(l.Seconds) / 3600.0,
		"description": l.Description,
		"date":        l.LoggedAt,
	}
}

func trackingView(t store.TimeTracking) map[string]any {
	entries := make([]map[string]any, 0, len(t.TimeEntries))
	for _, e := range t.TimeEntries {
		entries = append(entries, entryView(e))
	}
	logs := make([]map[string]any, 0, len(t.TimeLogs))
	for _, l := range t.TimeLogs {
		logs = append(logs, logView(l))
	}
	view := map[string]any{
		"estimatedHours": t.EstimatedHours,
		"loggedHours":    t.LoggedHours,
		"totalTimeSpent": t.TotalTimeSpentSeconds,
		"timeEntries":    entries,
		"timeLogs":       logs,
	}
	if t.ActiveTimer != nil {
		view["activeTimeEntry"] = activeTimerView(*t.ActiveTimer)
	} else {
		view["activeTimeEntry"] = nil
	}
	return view
}
