package domain

import "errors"

var (
	// ErrJobNotFound is returned when a claimed job cannot be found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a compare-and-set on a claim loses the race
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in claimed-ready status")

	// ErrNotAssignedToWorker is returned when a worker touches a job it does not own
	ErrNotAssignedToWorker = errors.New("job not assigned to this worker")

	// ErrInvalidLockToken is returned when the caller's lock token does not match
	ErrInvalidLockToken = errors.New("invalid lock token - job may have been reclaimed")

	// ErrInvalidPayload is returned when a job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrDuplicateJob is returned when another active job already holds the idempotency key
	ErrDuplicateJob = errors.New("duplicate job for idempotency key")

	ErrWorkerNotFound      = errors.New("worker not found")
	ErrDuplicateWorker     = errors.New("worker ID already exists")
	ErrWorkerUnavailable   = errors.New("worker not available")
	ErrWorkerAtCapacity    = errors.New("worker at capacity")
	ErrNoAvailableWorker   = errors.New("no available workers for this job")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrUnsupportedRegion   = errors.New("unsupported region")
	ErrPlatformForbidden   = errors.New("worker not authorized for platform")
	ErrRegionForbidden     = errors.New("worker not authorized for region")

	ErrPostNotFound         = errors.New("scheduled post not found")
	ErrAccountNotFound      = errors.New("social account not found")
	ErrMissingPostReference = errors.New("job has no scheduled post reference")
	ErrAssignmentNotFound   = errors.New("worker job assignment not found")

	// ErrInvalidSignature is returned when an HMAC signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStaleTimestamp is returned when a signed request falls outside the replay window
	ErrStaleTimestamp = errors.New("timestamp is too old")
)

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
