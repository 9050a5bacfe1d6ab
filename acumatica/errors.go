package acumatica

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-record lookups when the ERP answers 404
// (deleted document, credit memo, or a reference that never existed).
var ErrNotFound = errors.New("acumatica record not found")

// errBudgetExceeded stops a date-range sync that is about to outlive its
// invocation time budget. The job's cursor is persisted first so a follow-up
// invocation resumes where this one stopped.
var errBudgetExceeded = errors.New("sync time budget exceeded")

// AuthenticationError means the ERP rejected the login itself. The raw status
// and body are kept for operator diagnosis.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("acumatica login failed (status %d): %s", e.StatusCode, e.Body)
}

// SessionExpiredError means a previously working session stopped being
// accepted (401/403 or an HTML body where JSON was expected) and the single
// re-authentication retry also failed.
type SessionExpiredError struct {
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return "acumatica session expired: " + e.Reason
}

// ConfigurationError covers missing/ambiguous credentials or bad request
// parameters. Never retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

// ExternalError is a non-auth ERP failure (unreachable host, 5xx, unexpected
// payload). Fatal for the current window; retry is left to the scheduler.
type ExternalError struct {
	StatusCode int
	Body       string
}

func (e *ExternalError) Error() string {
	if e.StatusCode == 0 {
		return "acumatica unreachable: " + e.Body
	}
	return fmt.Sprintf("acumatica error (status %d): %s", e.StatusCode, e.Body)
}

func statusForError(err error) int {
	var authErr *AuthenticationError
	var sessErr *SessionExpiredError
	var confErr *ConfigurationError
	switch {
	case errors.As(err, &confErr):
		return 400
	case errors.As(err, &authErr), errors.As(err, &sessErr):
		return 401
	case errors.Is(err, ErrNotFound):
		return 404
	default:
		return 500
	}
}
