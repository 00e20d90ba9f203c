package domain

import "time"

// JobResult is what a worker reports when a job completed
type JobResult struct {
	PlatformPostID  string         `json:"platformPostId"`
	PlatformURL     string         `json:"platformUrl,omitempty"`
	ExecutionTimeMs int64          `json:"executionTime,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// JobFailure is what a worker reports when a job failed
type JobFailure struct {
	Error           string         `json:"error"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	PlatformError   map[string]any `json:"platformError,omitempty"`
	ShouldRetry     *bool          `json:"shouldRetry,omitempty"`
	RetryDelay      time.Duration  `json:"-"`
	ExecutionTimeMs int64          `json:"executionTime,omitempty"`
}

// JobProgress is an in-flight progress report
type JobProgress struct {
	Stage    string         `json:"stage"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Error codes written to final-failure analytics
const (
	ErrorCodeClaimExpired = "CLAIM_EXPIRED"
	ErrorCodeUnknown      = "UNKNOWN_ERROR"
)

// WillRetry decides whether a failed attempt gets another try. A nil
// shouldRetry counts as true; attempt is the 1-based attempt that failed.
func WillRetry(shouldRetry *bool, attempt, maxRetries int) bool {
	if shouldRetry != nil && !*shouldRetry {
		return false
	}
	return attempt < maxRetries
}
