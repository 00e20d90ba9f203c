// Package results writes job outcomes back onto scheduled posts and derives
// execution statistics from the analytics they accumulate.
package results

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
)

// Store is the persistence the processor needs
type Store interface {
	storage.PostStore
	storage.AccountStore
}

// Analytics keys written onto scheduled posts
const (
	keyPostedBy          = "postedBy"
	keyPostedAt          = "postedAt"
	keyExecutionTime     = "executionTime"
	keyRegion            = "region"
	keyPlatformAnalytics = "platformAnalytics"
	keyJobID             = "jobId"
	keyLastFailure       = "lastFailure"
	keyFinalFailure      = "finalFailure"
	keyProgressUpdates   = "progressUpdates"
)

// Processor is the Job Result Processor
type Processor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a result processor
func NewProcessor(store Store, logger *slog.Logger) *Processor {
	return &Processor{store: store, logger: logger, now: time.Now}
}

// ProcessJobCompletion marks the job's scheduled post as posted
func (p *Processor) ProcessJobCompletion(ctx context.Context, job domain.JobPayload, workerID string, result domain.JobResult) error {
	if job.ScheduledPostID == "" {
		return fmt.Errorf("job %s: %w", job.JobID, domain.ErrMissingPostReference)
	}

	now := p.now()
	post, err := p.store.UpdatePost(ctx, job.ScheduledPostID, func(post *domain.ScheduledPost) error {
		post.Status = domain.PostStatusPosted
		post.PublishedAt = &now
		post.PlatformPostID = result.PlatformPostID
		post.PlatformURL = result.PlatformURL
		post.ErrorMessage = ""

		a := post.EnsureAnalytics()
		a[keyPostedBy] = workerID
		a[keyPostedAt] = now.Format(time.RFC3339)
		a[keyExecutionTime] = result.ExecutionTimeMs
		a[keyRegion] = job.Region
		a[keyJobID] = job.JobID
		if result.Metadata != nil {
			a[keyPlatformAnalytics] = result.Metadata
		}

		if post.JobMetadata != nil {
			post.JobMetadata.Status = domain.JobStatusCompleted
			post.JobMetadata.UpdatedAt = &now
			post.JobMetadata.Error = ""
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record completion of job %s: %w", job.JobID, err)
	}

	if err := p.store.TouchAccount(ctx, post.SocialAccountID, now); err != nil {
		p.logger.Warn("Failed to update account last post time",
			slog.String("account_id", post.SocialAccountID),
			slog.Any("error", err),
		)
	}

	p.logger.Info("Job completed successfully",
		slog.String("job_id", job.JobID),
		slog.String("post_id", post.ID),
		slog.String("worker_id", workerID),
		slog.String("region", job.Region),
		slog.Int64("execution_ms", result.ExecutionTimeMs),
	)
	return nil
}

// ProcessJobFailure records a failed attempt. It returns whether the job
// gets another attempt; exhausted jobs leave the post terminally failed.
func (p *Processor) ProcessJobFailure(ctx context.Context, job domain.JobPayload, workerID string, failure domain.JobFailure) (bool, error) {
	willRetry := domain.WillRetry(failure.ShouldRetry, job.Attempt, job.RetryLimit())
	if job.ScheduledPostID == "" {
		return willRetry, fmt.Errorf("job %s: %w", job.JobID, domain.ErrMissingPostReference)
	}

	errorCode := failure.ErrorCode
	if errorCode == "" {
		errorCode = domain.ErrorCodeUnknown
	}

	now := p.now()
	_, err := p.store.UpdatePost(ctx, job.ScheduledPostID, func(post *domain.ScheduledPost) error {
		post.ErrorMessage = failure.Error
		post.LastRetryAt = &now

		entry := map[string]any{
			"error":         failure.Error,
			"errorCode":     errorCode,
			"failedBy":      workerID,
			"failedAt":      now.Format(time.RFC3339),
			"region":        job.Region,
			"jobId":         job.JobID,
			"executionTime": failure.ExecutionTimeMs,
		}
		if failure.PlatformError != nil {
			entry["platformError"] = failure.PlatformError
		}

		a := post.EnsureAnalytics()
		jobStatus := domain.JobStatusRetrying
		if willRetry {
			post.Status = domain.PostStatusScheduled
			post.RetryCount = job.Attempt
			entry["attempt"] = job.Attempt
			a[keyLastFailure] = entry
		} else {
			post.Status = domain.PostStatusFailed
			post.RetryCount = job.Attempt
			entry["finalAttempt"] = job.Attempt
			a[keyFinalFailure] = entry
			jobStatus = domain.JobStatusFailed
		}

		if post.JobMetadata != nil {
			post.JobMetadata.Status = jobStatus
			post.JobMetadata.UpdatedAt = &now
			post.JobMetadata.Error = failure.Error
		}
		return nil
	})
	if err != nil {
		return willRetry, fmt.Errorf("failed to record failure of job %s: %w", job.JobID, err)
	}

	if willRetry {
		p.logger.Warn("Job failed, will retry",
			slog.String("job_id", job.JobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt", job.Attempt),
			slog.Int("max_retries", job.RetryLimit()),
			slog.String("error", failure.Error),
		)
	} else {
		p.logger.Error("Job permanently failed",
			slog.String("job_id", job.JobID),
			slog.String("worker_id", workerID),
			slog.Int("attempts", job.Attempt),
			slog.String("error_code", errorCode),
			slog.String("error", failure.Error),
		)
	}
	return willRetry, nil
}

// ProcessJobProgress maps a worker sub-state onto the posting status and
// appends the report to the post's progress history
func (p *Processor) ProcessJobProgress(ctx context.Context, job domain.JobPayload, workerID string, progress domain.JobProgress) error {
	if job.ScheduledPostID == "" {
		return nil
	}

	now := p.now()
	_, err := p.store.UpdatePost(ctx, job.ScheduledPostID, func(post *domain.ScheduledPost) error {
		if post.Status == domain.PostStatusPosted || post.Status == domain.PostStatusFailed {
			return nil
		}
		post.Status = domain.PostStatusPosting

		a := post.EnsureAnalytics()
		updates, _ := a[keyProgressUpdates].([]any)
		a[keyProgressUpdates] = append(updates, map[string]any{
			"status":    progress.Stage,
			"message":   progress.Message,
			"progress":  progress.Progress,
			"workerId":  workerID,
			"region":    job.Region,
			"timestamp": now.Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record progress of job %s: %w", job.JobID, err)
	}

	p.logger.Debug("Job progress recorded",
		slog.String("job_id", job.JobID),
		slog.String("stage", progress.Stage),
		slog.Int("progress", progress.Progress),
	)
	return nil
}
