package claim

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// authorize checks ownership, credential scope and the lock token. It never
// mutates the record.
func (s *Service) authorize(ctx context.Context, caller domain.WorkerIdentity, jobID, lockToken string) (*domain.ClaimedJob, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.IsAssignedTo(caller.WorkerID) {
		return nil, domain.ErrNotAssignedToWorker
	}
	if !caller.AllowsPlatform(rec.Platform) {
		return nil, domain.ErrPlatformForbidden
	}
	if rec.Region != caller.Region {
		return nil, domain.ErrRegionForbidden
	}
	if lockToken != domain.LockTokenFor(jobID, caller.WorkerID) {
		return nil, domain.ErrInvalidLockToken
	}
	return rec, nil
}

// CompleteJob finalizes a job the caller reported as published. The result
// is recorded before the delivery is acked; if recording fails the claim is
// left untouched so the worker can report again.
func (s *Service) CompleteJob(ctx context.Context, caller domain.WorkerIdentity, jobID, lockToken string, result domain.JobResult) error {
	ctx, span := s.startSpan(ctx, "claim.complete", jobID, caller.WorkerID)
	defer span.End()

	rec, err := s.authorize(ctx, caller, jobID, lockToken)
	if err != nil {
		return err
	}

	err = s.results.ProcessJobCompletion(ctx, rec.Payload, caller.WorkerID, result)
	if err := s.resultError(rec, "completed", err); err != nil {
		return err
	}

	if err := s.engine.Complete(ctx, rec.CompletionToken); err != nil {
		return wrapEngine("complete", jobID, err)
	}
	s.deleteRecord(ctx, jobID)
	s.forget(rec.CompletionToken)
	s.releaseKey(ctx, rec.Payload)

	if err := s.assigner.FinishAssignment(ctx, caller.WorkerID, jobID, true, result.ExecutionTimeMs, ""); err != nil {
		s.logger.Error("Failed to record job completion for worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", caller.WorkerID),
			slog.Any("error", err),
		)
	}

	metrics.JobsFinishedTotal.WithLabelValues(rec.QueueName, "completed").Inc()
	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", caller.WorkerID),
		slog.String("platform_post_id", result.PlatformPostID),
	)
	return nil
}

// FailJob finalizes a failed attempt. It reports whether the job was sent
// back for another attempt. Like CompleteJob, the failure is recorded first.
func (s *Service) FailJob(ctx context.Context, caller domain.WorkerIdentity, jobID, lockToken string, failure domain.JobFailure) (bool, error) {
	ctx, span := s.startSpan(ctx, "claim.fail", jobID, caller.WorkerID)
	defer span.End()

	rec, err := s.authorize(ctx, caller, jobID, lockToken)
	if err != nil {
		return false, err
	}

	job := rec.Payload
	willRetry := domain.WillRetry(failure.ShouldRetry, job.Attempt, job.RetryLimit())

	outcome := "failed"
	if willRetry {
		outcome = "retried"
	}
	_, err = s.results.ProcessJobFailure(ctx, job, caller.WorkerID, failure)
	if err := s.resultError(rec, outcome, err); err != nil {
		return false, err
	}

	if willRetry {
		// The next attempt publishes its own record under the same job id
		s.deleteRecord(ctx, jobID)
		next := job
		next.Attempt++
		if err := s.engine.Retry(ctx, rec.CompletionToken, next, s.retryDelay(failure.RetryDelay, job.Attempt)); err != nil {
			return false, wrapEngine("retry", jobID, err)
		}
	} else {
		if err := s.engine.Fail(ctx, rec.CompletionToken, failure.Error); err != nil {
			return false, wrapEngine("fail", jobID, err)
		}
		s.deleteRecord(ctx, jobID)
		s.releaseKey(ctx, job)
	}
	s.forget(rec.CompletionToken)

	if err := s.assigner.FinishAssignment(ctx, caller.WorkerID, jobID, false, failure.ExecutionTimeMs, failure.Error); err != nil {
		s.logger.Error("Failed to record job failure for worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", caller.WorkerID),
			slog.Any("error", err),
		)
	}

	metrics.JobsFinishedTotal.WithLabelValues(rec.QueueName, outcome).Inc()
	s.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("worker_id", caller.WorkerID),
		slog.String("error", failure.Error),
		slog.Int("attempt", job.Attempt),
		slog.Bool("will_retry", willRetry),
	)
	return willRetry, nil
}

// resultError tolerates jobs that were never linked to a scheduled post,
// such as directly dispatched ones. They are counted so the outcome is
// still visible.
func (s *Service) resultError(rec *domain.ClaimedJob, outcome string, err error) error {
	if errors.Is(err, domain.ErrMissingPostReference) {
		metrics.UnlinkedResultsTotal.WithLabelValues(rec.QueueName, outcome).Inc()
		s.logger.Warn("Job has no scheduled post to update",
			slog.String("job_id", rec.JobID),
			slog.String("outcome", outcome),
		)
		return nil
	}
	return err
}

func (s *Service) deleteRecord(ctx context.Context, jobID string) {
	if err := s.store.Delete(ctx, jobID); err != nil {
		s.logger.Warn("Failed to delete claimed job record",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name, jobID, workerID string) (context.Context, trace.Span) {
	ctx, span := tracing.Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("worker.id", workerID),
	)
	return ctx, span
}
