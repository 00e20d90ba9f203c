package dto

import (
	"time"

	"github.com/cuongbtq/postdispatch/internal/claim"
	"github.com/cuongbtq/postdispatch/internal/domain"
)

// PullJobsRequest represents query parameters for pulling claimed jobs
type PullJobsRequest struct {
	Platform string `form:"platform" binding:"omitempty,platform"`
	Limit    int    `form:"limit" binding:"omitempty,min=1"`
}

// PullJobsResponse lists the jobs handed to the caller
type PullJobsResponse struct {
	Success bool              `json:"success"`
	Jobs    []claim.PulledJob `json:"jobs"`
	Count   int               `json:"count"`
}

// CompleteJobRequest represents the request body for reporting a published job
type CompleteJobRequest struct {
	LockToken      string         `json:"lockToken" binding:"required"`
	PlatformPostID string         `json:"platformPostId" binding:"required"`
	PlatformURL    string         `json:"platformUrl" binding:"omitempty,url"`
	ExecutionTime  int64          `json:"executionTime" binding:"omitempty,min=0"`
	Metadata       map[string]any `json:"metadata"`
}

// Result converts the request to a domain result
func (r CompleteJobRequest) Result() domain.JobResult {
	return domain.JobResult{
		PlatformPostID:  r.PlatformPostID,
		PlatformURL:     r.PlatformURL,
		ExecutionTimeMs: r.ExecutionTime,
		Metadata:        r.Metadata,
	}
}

// FailJobRequest represents the request body for reporting a failed attempt.
// RetryDelay is in milliseconds.
type FailJobRequest struct {
	LockToken     string         `json:"lockToken" binding:"required"`
	Error         string         `json:"error" binding:"required"`
	ErrorCode     string         `json:"errorCode"`
	PlatformError map[string]any `json:"platformError"`
	ShouldRetry   *bool          `json:"shouldRetry"`
	RetryDelay    int64          `json:"retryDelay" binding:"omitempty,min=0"`
	ExecutionTime int64          `json:"executionTime" binding:"omitempty,min=0"`
}

// Failure converts the request to a domain failure
func (r FailJobRequest) Failure() domain.JobFailure {
	return domain.JobFailure{
		Error:           r.Error,
		ErrorCode:       r.ErrorCode,
		PlatformError:   r.PlatformError,
		ShouldRetry:     r.ShouldRetry,
		RetryDelay:      time.Duration(r.RetryDelay) * time.Millisecond,
		ExecutionTimeMs: r.ExecutionTime,
	}
}

// CredentialsRequest represents query parameters for a credential fetch
type CredentialsRequest struct {
	JobID  string `form:"jobId" binding:"required"`
	PageID string `form:"pageId"`
}

// CredentialsResponse is the minimal credential a job needs. Only the field
// matching the account's platform is set.
type CredentialsResponse struct {
	AccountID         string `json:"accountId"`
	Platform          string `json:"platform"`
	IsActive          bool   `json:"isActive"`
	PageAccessToken   string `json:"pageAccessToken,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`
	AccessTokenSecret string `json:"accessTokenSecret,omitempty"`
}

// DispatchJobRequest represents an admin push of a job to the best worker
type DispatchJobRequest struct {
	JobID           string               `json:"jobId"`
	ScheduledPostID string               `json:"scheduledPostId"`
	Platform        string               `json:"platform" binding:"required,platform"`
	JobType         string               `json:"jobType" binding:"omitempty,jobtype"`
	AccountID       string               `json:"accountId" binding:"required"`
	Region          string               `json:"region" binding:"omitempty,region"`
	Priority        int                  `json:"priority" binding:"omitempty,min=0,max=10"`
	Content         domain.JobContent    `json:"content"`
	TargetAccount   domain.TargetAccount `json:"targetAccount"`
	ScheduledTime   time.Time            `json:"scheduledTime"`
	Timezone        string               `json:"timezone"`
	Callbacks       *domain.Callbacks    `json:"callbacks"`
	Metadata        map[string]any       `json:"metadata"`
}

// Payload converts the request to a job payload
func (r DispatchJobRequest) Payload() domain.JobPayload {
	return domain.JobPayload{
		JobID:           r.JobID,
		ScheduledPostID: r.ScheduledPostID,
		Platform:        r.Platform,
		JobType:         r.JobType,
		AccountID:       r.AccountID,
		Region:          r.Region,
		Priority:        r.Priority,
		Content:         r.Content,
		TargetAccount:   r.TargetAccount,
		ScheduledTime:   r.ScheduledTime,
		Timezone:        r.Timezone,
		Callbacks:       r.Callbacks,
		Metadata:        r.Metadata,
	}
}
