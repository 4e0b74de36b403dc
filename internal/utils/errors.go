package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrNotAuthenticated returns an error for when no session is available.
func ErrNotAuthenticated() error {
	return WrapWithSuggestion(
		errors.New("not authenticated"),
		"Store a token with 'tasksync credentials set' or set TASKSYNC_TOKEN",
	)
}

// ErrRemoteUnreachable returns an error when the remote service is
// unreachable, with a context-aware suggestion.
func ErrRemoteUnreachable(reason string) error {
	return WrapWithSuggestion(
		fmt.Errorf("remote service is unreachable: %s", reason),
		connectivitySuggestion(reason),
	)
}

// connectivitySuggestion returns a suggestion based on the error reason.
func connectivitySuggestion(reason string) string {
	lower := strings.ToLower(reason)

	if strings.Contains(lower, "no such host") || strings.Contains(lower, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lower, "connection refused") {
		return "Check if the service is running and accessible"
	}

	if strings.Contains(lower, "timeout") || strings.Contains(lower, "i/o timeout") {
		return "The service may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrStorageNearLimit returns an error when local storage is close to
// its configured budget.
func ErrStorageNearLimit(usedBytes, maxBytes int64) error {
	return WrapWithSuggestion(
		fmt.Errorf("local storage near limit: %d of %d bytes used", usedBytes, maxBytes),
		"Run 'tasksync storage cleanup' to evict stale data",
	)
}

// ErrInvalidDuration returns an error for an unparsable duration setting.
func ErrInvalidDuration(field, value string) error {
	return WrapWithSuggestion(
		fmt.Errorf("invalid duration for %s: %q", field, value),
		"Use Go duration syntax, e.g. \"30s\", \"5m\", \"1h\"",
	)
}
