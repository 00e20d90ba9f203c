package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Callback statuses
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
	CallbackProgress  = "progress"
)

// ErrUnknownCallbackStatus is returned for a status outside completed/failed/progress
var ErrUnknownCallbackStatus = errors.New("unknown callback status")

// Callback is what a worker posts back after a pushed job
type Callback struct {
	JobID           string            `json:"jobId"`
	WorkerID        string            `json:"workerId"`
	Status          string            `json:"status"`
	Result          *domain.JobResult `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	PlatformError   map[string]any    `json:"platformError,omitempty"`
	ShouldRetry     *bool             `json:"shouldRetry,omitempty"`
	Progress        int               `json:"progress,omitempty"`
	Stage           string            `json:"stage,omitempty"`
	Message         string            `json:"message,omitempty"`
	ExecutionTimeMs int64             `json:"executionTime,omitempty"`
}

// VerifyCallback authenticates a raw callback body against its headers
func (s *Service) VerifyCallback(body []byte, sig, ts string) error {
	return VerifyCallback(s.opts.Secret, body, sig, ts, s.now(), s.opts.MaxSkew)
}

// HandleJobCallback applies a verified callback. Terminal statuses release the
// worker's slot, fold the outcome into its counters and update the post.
func (s *Service) HandleJobCallback(ctx context.Context, cb Callback) error {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.HandleJobCallback")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", cb.JobID),
		attribute.String("worker.id", cb.WorkerID),
		attribute.String("callback.status", cb.Status),
	)

	if _, err := s.workers.GetWorker(ctx, cb.WorkerID); err != nil {
		return err
	}

	job, known := s.lookup(cb.JobID)
	if known && job.workerID != cb.WorkerID {
		return domain.ErrNotAssignedToWorker
	}
	payload := job.payload
	if !known {
		payload = domain.JobPayload{JobID: cb.JobID}
	}

	s.logger.Info("Received job callback",
		slog.String("job_id", cb.JobID),
		slog.String("worker_id", cb.WorkerID),
		slog.String("status", cb.Status),
	)

	switch cb.Status {
	case CallbackCompleted:
		result := domain.JobResult{ExecutionTimeMs: cb.ExecutionTimeMs}
		if cb.Result != nil {
			result = *cb.Result
			if result.ExecutionTimeMs == 0 {
				result.ExecutionTimeMs = cb.ExecutionTimeMs
			}
		}
		if err := s.workers.FinishAssignment(ctx, cb.WorkerID, cb.JobID, true, result.ExecutionTimeMs, ""); err != nil {
			return fmt.Errorf("failed to close assignment: %w", err)
		}
		s.untrack(cb.JobID)
		return s.durable(cb, known, s.results.ProcessJobCompletion(ctx, payload, cb.WorkerID, result))

	case CallbackFailed:
		if err := s.workers.FinishAssignment(ctx, cb.WorkerID, cb.JobID, false, cb.ExecutionTimeMs, cb.Error); err != nil {
			return fmt.Errorf("failed to close assignment: %w", err)
		}
		s.untrack(cb.JobID)
		_, err := s.results.ProcessJobFailure(ctx, payload, cb.WorkerID, domain.JobFailure{
			Error:           cb.Error,
			ErrorCode:       cb.ErrorCode,
			PlatformError:   cb.PlatformError,
			ShouldRetry:     cb.ShouldRetry,
			ExecutionTimeMs: cb.ExecutionTimeMs,
		})
		return s.durable(cb, known, err)

	case CallbackProgress:
		if err := s.workers.MarkInProgress(ctx, cb.WorkerID, cb.JobID); err != nil && !errors.Is(err, domain.ErrAssignmentNotFound) {
			return err
		}
		return s.durable(cb, known, s.results.ProcessJobProgress(ctx, payload, cb.WorkerID, domain.JobProgress{
			Stage:    cb.Stage,
			Progress: cb.Progress,
			Message:  cb.Message,
		}))
	}
	return fmt.Errorf("%w: %q", ErrUnknownCallbackStatus, cb.Status)
}

// durable tolerates a missing post reference when the job was not pushed by
// this process; the worker counters are already settled at that point
func (s *Service) durable(cb Callback, known bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrMissingPostReference) && !known {
		s.logger.Warn("Callback for untracked job; post not updated",
			slog.String("job_id", cb.JobID),
			slog.String("status", cb.Status),
		)
		return nil
	}
	return err
}
