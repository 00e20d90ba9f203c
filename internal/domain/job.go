package domain

import (
	"fmt"
	"time"
)

// JobContent is the publishable content carried by a job
type JobContent struct {
	Caption   string   `json:"caption,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
	AssetIDs  []string `json:"assetIds,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// TargetAccount describes the account a job publishes to. It never carries platform tokens.
type TargetAccount struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Callbacks holds the URLs a pushed job reports back to
type Callbacks struct {
	SuccessURL  string `json:"successUrl,omitempty"`
	ErrorURL    string `json:"errorUrl,omitempty"`
	ProgressURL string `json:"progressUrl,omitempty"`
}

// JobPayload is the unit of work handed to workers
type JobPayload struct {
	JobID           string         `json:"jobId"`
	ScheduledPostID string         `json:"scheduledPostId,omitempty"`
	Platform        string         `json:"platform"`
	JobType         string         `json:"jobType"`
	AccountID       string         `json:"accountId"`
	Region          string         `json:"region"`
	Priority        int            `json:"priority"`
	Content         JobContent     `json:"content"`
	TargetAccount   TargetAccount  `json:"targetAccount"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	Attempt         int            `json:"attempt"`
	MaxRetries      *int           `json:"maxRetries,omitempty"`
	ScheduledTime   time.Time      `json:"scheduledTime"`
	Timezone        string         `json:"timezone"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	Callbacks       *Callbacks     `json:"callbacks,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ApplyDefaults fills optional payload fields
func (p *JobPayload) ApplyDefaults() {
	if p.IdempotencyKey == "" {
		if p.ScheduledPostID != "" {
			p.IdempotencyKey = p.ScheduledPostID
		} else {
			p.IdempotencyKey = p.JobID
		}
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	// Zero is kept; it limits the job to its first attempt
	if p.MaxRetries == nil || *p.MaxRetries < 0 {
		p.MaxRetries = Retries(DefaultMaxRetries)
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if p.JobType == "" {
		p.JobType = InferJobType(p.Content)
	}
	if p.TargetAccount.Platform == "" {
		p.TargetAccount.Platform = p.Platform
	}
}

// RetryLimit returns MaxRetries, or the default when it is unset
func (p *JobPayload) RetryLimit() int {
	if p.MaxRetries == nil || *p.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Retries returns n as a MaxRetries value
func Retries(n int) *int {
	return &n
}

// Validate checks the fields every job must carry
func (p *JobPayload) Validate() error {
	switch {
	case p.JobID == "":
		return fmt.Errorf("%w: jobId is required", ErrInvalidPayload)
	case p.Platform == "":
		return fmt.Errorf("%w: platform is required", ErrInvalidPayload)
	case p.AccountID == "":
		return fmt.Errorf("%w: accountId is required", ErrInvalidPayload)
	case p.TargetAccount.ID == "":
		return fmt.Errorf("%w: targetAccount.id is required", ErrInvalidPayload)
	}
	return nil
}

// Expired reports whether the payload carries an expiry that has passed
func (p *JobPayload) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// InferJobType picks a job type from the content shape
func InferJobType(c JobContent) string {
	if len(c.AssetIDs) > 0 || len(c.MediaURLs) > 0 {
		return JobTypePostImage
	}
	return JobTypePostText
}

// ClaimedJob is the short-lived record published when a job becomes active
type ClaimedJob struct {
	JobID            string     `json:"jobId"`
	QueueName        string     `json:"queueName"`
	Platform         string     `json:"platform"`
	Region           string     `json:"region"`
	CompletionToken  string     `json:"completionToken"`
	Payload          JobPayload `json:"payload"`
	Attempts         int        `json:"attempts"`
	ClaimedAt        time.Time  `json:"claimedAt"`
	ClaimedBy        string     `json:"claimedBy"`
	Status           string     `json:"status"`
	AssignedWorkerID string     `json:"assignedWorkerId,omitempty"`
	AssignedAt       *time.Time `json:"assignedAt,omitempty"`
}

// IsAssignedTo reports whether the record is currently assigned to workerID
func (c *ClaimedJob) IsAssignedTo(workerID string) bool {
	return c.Status == ClaimStatusAssigned && c.AssignedWorkerID == workerID
}

// LockTokenFor derives the worker-specific lock token for a job
func LockTokenFor(jobID, workerID string) string {
	return jobID + "-" + workerID + "-claimed"
}
