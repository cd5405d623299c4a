package app

import (
	"errors"
	"fmt"
)

// Error codes for the timer facade. TIMER_CONFLICT covers a second start while
// a session exists; INVALID_TIMER_STATE covers pause/resume/stop against a
// session that is absent or in the wrong pause state.
const (
	CodeTimerConflict     = "TIMER_CONFLICT"
	CodeInvalidTimerState = "INVALID_TIMER_STATE"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsInvalidTimerState lets the sweeps swallow the benign races of re-checking
// an already-transitioned timer without matching on message text.
func IsInvalidTimerState(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == CodeInvalidTimerState
}
