package arm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/cuongbtq/postdispatch/internal/domain"
)

// Error codes the worker reports for failures outside the publisher
const (
	ErrorCodeTimeout     = "TIMEOUT"
	ErrorCodeCredentials = "CREDENTIALS_UNAVAILABLE"
)

// processJob fetches credentials, publishes and reports one job
func (a *Arm) processJob(ctx context.Context, t task) {
	started := a.now()

	jobCtx, cancel := context.WithTimeout(ctx, a.cfg.JobTimeout)
	defer cancel()

	if t.pushed {
		a.progress(jobCtx, t.job, "started", 10)
	}

	var creds *dto.CredentialsResponse
	if !t.pushed && t.job.AccountID != "" {
		c, err := a.client.Credentials(jobCtx, t.job.AccountID, t.job.JobID)
		if err != nil {
			a.reportFailure(ctx, t, &PublishError{
				Code:      ErrorCodeCredentials,
				Message:   err.Error(),
				Retryable: true,
			}, a.now().Sub(started))
			return
		}
		creds = c
	}

	if t.pushed {
		a.progress(jobCtx, t.job, "posting", 50)
	}
	result, err := a.publisher.Publish(jobCtx, t.job, creds)
	elapsed := a.now().Sub(started)
	if err != nil {
		a.reportFailure(ctx, t, err, elapsed)
		return
	}

	result.ExecutionTimeMs = elapsed.Milliseconds()
	a.reportSuccess(ctx, t, result)
}

func (a *Arm) reportSuccess(ctx context.Context, t task, result domain.JobResult) {
	var err error
	if t.pushed {
		err = a.callback(ctx, t.job, dispatch.Callback{
			Status:          dispatch.CallbackCompleted,
			Result:          &result,
			ExecutionTimeMs: result.ExecutionTimeMs,
		})
	} else {
		err = a.client.Complete(ctx, t.job.JobID, dto.CompleteJobRequest{
			LockToken:      t.lockToken,
			PlatformPostID: result.PlatformPostID,
			PlatformURL:    result.PlatformURL,
			ExecutionTime:  result.ExecutionTimeMs,
			Metadata:       result.Metadata,
		})
	}
	if err != nil {
		a.errorCount.Add(1)
		a.logger.Error("Failed to report job completion",
			slog.String("job_id", t.job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	a.logger.Info("Job completed successfully",
		slog.String("job_id", t.job.JobID),
		slog.String("platform_post_id", result.PlatformPostID),
		slog.Int64("execution_ms", result.ExecutionTimeMs),
	)
}

// classify turns an execution error into the reported code and retry decision
func classify(err error) (code string, retry bool, platformErr map[string]any) {
	var pe *PublishError
	switch {
	case errors.As(err, &pe):
		return pe.Code, pe.Retryable, pe.PlatformError
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout, true, nil
	}
	return domain.ErrorCodeUnknown, true, nil
}

func (a *Arm) reportFailure(ctx context.Context, t task, cause error, elapsed time.Duration) {
	a.errorCount.Add(1)
	code, retry, platformErr := classify(cause)

	a.logger.Warn("Job execution failed",
		slog.String("job_id", t.job.JobID),
		slog.String("error_code", code),
		slog.String("error", cause.Error()),
		slog.Bool("retryable", retry),
	)

	var err error
	if t.pushed {
		err = a.callback(ctx, t.job, dispatch.Callback{
			Status:          dispatch.CallbackFailed,
			Error:           cause.Error(),
			ErrorCode:       code,
			PlatformError:   platformErr,
			ShouldRetry:     &retry,
			ExecutionTimeMs: elapsed.Milliseconds(),
		})
	} else {
		_, err = a.client.Fail(ctx, t.job.JobID, dto.FailJobRequest{
			LockToken:     t.lockToken,
			Error:         cause.Error(),
			ErrorCode:     code,
			PlatformError: platformErr,
			ShouldRetry:   &retry,
			ExecutionTime: elapsed.Milliseconds(),
		})
	}
	if err != nil {
		a.logger.Error("Failed to report job failure",
			slog.String("job_id", t.job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Arm) progress(ctx context.Context, job domain.JobPayload, stage string, pct int) {
	err := a.callback(ctx, job, dispatch.Callback{
		Status:   dispatch.CallbackProgress,
		Stage:    stage,
		Progress: pct,
	})
	if err != nil {
		a.logger.Debug("Failed to report progress",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// callback signs and posts cb to the URL the job names for its status
func (a *Arm) callback(ctx context.Context, job domain.JobPayload, cb dispatch.Callback) error {
	if job.Callbacks == nil {
		return errors.New("job carries no callback urls")
	}
	url := job.Callbacks.ProgressURL
	switch cb.Status {
	case dispatch.CallbackCompleted:
		url = job.Callbacks.SuccessURL
	case dispatch.CallbackFailed:
		url = job.Callbacks.ErrorURL
	}
	if url == "" {
		return errors.New("job carries no callback url for " + cb.Status)
	}

	cb.JobID = job.JobID
	cb.WorkerID = a.cfg.WorkerID
	return a.client.Callback(ctx, url, a.dispatchSecret, cb, a.now())
}
