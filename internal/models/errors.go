package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique violation")

	// ErrClientCreation aborts a batch before any item is processed.
	ErrClientCreation = errors.New("llm client creation failed")

	// ErrCredentialsMissing marks a per-item skip for remote providers
	// without a configured API key.
	ErrCredentialsMissing = errors.New("remote model credentials are missing")

	// ErrTimeout marks a model call that outlived its deadline. The
	// underlying call may still finish in the background.
	ErrTimeout = errors.New("llm call timed out")

	// ErrInvalidOutput marks model output that failed label validation.
	ErrInvalidOutput = errors.New("invalid model output")
)

// RateLimitError carries the provider's advisory wait. RetryAfter is zero
// when the provider gave no hint; callers substitute their own default.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limited: %s", e.Message)
	}
	return "rate limited"
}

// AsRateLimit unwraps err into a RateLimitError if it is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
