package domain

import "time"

// Scheduled post status constants
const (
	PostStatusDraft     = "draft"
	PostStatusScheduled = "scheduled"
	PostStatusPosting   = "posting"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
)

// Job metadata status constants (written onto scheduled posts)
const (
	JobStatusEnqueued  = "enqueued"
	JobStatusRetrying  = "retrying"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Claimed-job record status constants
const (
	ClaimStatusReady    = "claimed-ready"
	ClaimStatusAssigned = "assigned"
)

// Worker status constants
const (
	WorkerStatusActive      = "active"
	WorkerStatusInactive    = "inactive"
	WorkerStatusMaintenance = "maintenance"
	WorkerStatusFailed      = "failed"
)

// Worker job assignment status constants
const (
	AssignmentStatusAssigned   = "assigned"
	AssignmentStatusInProgress = "in-progress"
	AssignmentStatusCompleted  = "completed"
	AssignmentStatusFailed     = "failed"
	// AssignmentStatusExpired marks an assignment whose slot was reclaimed
	// before the worker reported; a late report settles it once
	AssignmentStatusExpired = "expired"
)

// Health status constants reported by workers
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusOffline   = "offline"
)

// Job types a worker capability may list
const (
	JobTypePostText  = "post_text"
	JobTypePostImage = "post_image"
	JobTypePostVideo = "post_video"
	JobTypePostStory = "post_story"
	JobTypePostReel  = "post_reel"
)

// JobTypes lists every supported job type
var JobTypes = []string{JobTypePostText, JobTypePostImage, JobTypePostVideo, JobTypePostStory, JobTypePostReel}

// Defaults applied to payloads and registrations
const (
	DefaultMaxRetries        = 3
	DefaultTimezone          = "UTC"
	DefaultMaxConcurrentJobs = 3
	DefaultMinJobInterval    = 300
	DefaultMaxJobsPerHour    = 12
	DefaultAvgExecutionMs    = 5000
	DefaultWorkerPriority    = 1

	// MaxPullLimit caps the number of jobs handed out per pull request
	MaxPullLimit = 5

	ClaimTTL          = 5 * time.Minute
	CredentialTTL     = 24 * time.Hour
	DispatchTimeout   = 30 * time.Second
	CallbackMaxSkew   = 5 * time.Minute
	OfflineAfter      = 5 * time.Minute
	DispatchJobExpiry = 30 * time.Minute
)
