package claim

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// PulledJob is one claimed job handed to a worker
type PulledJob struct {
	JobID      string            `json:"jobId"`
	Platform   string            `json:"platform"`
	Region     string            `json:"region"`
	QueueName  string            `json:"queueName"`
	Data       domain.JobPayload `json:"data"`
	LockToken  string            `json:"lockToken"`
	ClaimedAt  time.Time         `json:"claimedAt"`
	AssignedAt time.Time         `json:"assignedAt"`
}

// GetClaimedJobsForWorker assigns up to limit claimed-ready jobs on the
// caller's platforms in its region. Each record is flipped with a
// compare-and-set so concurrent pulls never share a job.
func (s *Service) GetClaimedJobsForWorker(ctx context.Context, caller domain.WorkerIdentity, platforms []string, limit int) ([]PulledJob, error) {
	ctx, span := tracing.Tracer().Start(ctx, "claim.pull")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", caller.WorkerID),
		attribute.String("worker.region", caller.Region),
	)

	if limit <= 0 || limit > s.opts.MaxPullLimit {
		limit = s.opts.MaxPullLimit
	}
	if len(platforms) == 0 {
		platforms = caller.Platforms
	}

	jobs := make([]PulledJob, 0, limit)
	for _, platform := range platforms {
		if len(jobs) >= limit {
			break
		}
		if !caller.AllowsPlatform(platform) {
			return nil, domain.ErrPlatformForbidden
		}
		if !registry.IsSupportedPlatform(platform) {
			continue
		}

		queueName := registry.QueueName(platform, caller.Region)
		ready, err := s.store.ListReady(ctx, queueName)
		if err != nil {
			return nil, err
		}

		for _, rec := range ready {
			if len(jobs) >= limit {
				break
			}
			if rec.Region != caller.Region || !slices.Contains(caller.Platforms, rec.Platform) {
				continue
			}

			job, err := s.assign(ctx, caller.WorkerID, rec)
			if errors.Is(err, domain.ErrJobAlreadyClaimed) || isNotFound(err) {
				continue
			}
			if err != nil {
				if len(jobs) > 0 && isCapacityError(err) {
					return jobs, nil
				}
				return nil, err
			}
			jobs = append(jobs, *job)
		}
	}

	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	if len(jobs) > 0 {
		s.logger.Info("Jobs pulled by worker",
			slog.String("worker_id", caller.WorkerID),
			slog.Int("count", len(jobs)),
		)
	}
	return jobs, nil
}

// assign flips one record to the worker and takes a capacity slot for it.
// When the worker has no free slot the record goes back to claimed-ready.
func (s *Service) assign(ctx context.Context, workerID string, rec domain.ClaimedJob) (*PulledJob, error) {
	now := s.now()
	assigned, err := s.store.Assign(ctx, rec.JobID, workerID, now)
	if err != nil {
		return nil, err
	}

	if _, err := s.assigner.AssignJobToWorker(ctx, workerID, assigned.Payload); err != nil {
		if undoErr := s.store.Unassign(ctx, rec.JobID, workerID); undoErr != nil && !isNotFound(undoErr) {
			s.logger.Error("Failed to return claimed job to ready",
				slog.String("job_id", rec.JobID),
				slog.Any("error", undoErr),
			)
		}
		return nil, err
	}

	s.mu.Lock()
	if lc, ok := s.local[assigned.CompletionToken]; ok {
		lc.record = *assigned
	}
	s.mu.Unlock()

	return &PulledJob{
		JobID:      assigned.JobID,
		Platform:   assigned.Platform,
		Region:     assigned.Region,
		QueueName:  assigned.QueueName,
		Data:       assigned.Payload,
		LockToken:  domain.LockTokenFor(assigned.JobID, workerID),
		ClaimedAt:  assigned.ClaimedAt,
		AssignedAt: now,
	}, nil
}

func isCapacityError(err error) bool {
	return errors.Is(err, domain.ErrWorkerAtCapacity) || errors.Is(err, domain.ErrWorkerUnavailable)
}
