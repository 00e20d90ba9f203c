package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/google/uuid"
)

// Criteria describes the job a worker is selected for
type Criteria struct {
	Platform string
	Region   string
	JobType  string
	Priority int
	// PreferredWorkers narrows the candidates when any of them is eligible
	PreferredWorkers []string
	ExcludeWorkers   []string
}

// Score rates a candidate. Every term is additive and bounded so no single
// factor dominates the result.
func Score(w *domain.Worker, c Criteria, now time.Time) float64 {
	score := w.SuccessRate * 10

	if w.MaxConcurrentJobs > 0 {
		available := w.MaxConcurrentJobs - w.CurrentLoad
		score += float64(available) / float64(w.MaxConcurrentJobs) * 20
	}

	avg := w.AvgExecutionTime
	if avg <= 0 {
		avg = domain.DefaultAvgExecutionMs
	}
	score += math.Max(0, float64(10000-avg)/1000)

	score += float64(5-w.Priority) * 5

	if w.LastJobAt != nil {
		since := now.Sub(*w.LastJobAt)
		switch {
		case since < time.Hour:
			score += 10
		case since < 24*time.Hour:
			score += 5
		}
	}

	if c.Platform != "" && w.HasSpecialty(c.Platform) {
		score += 15
	}
	if c.JobType != "" && w.HasJobTypeCapability(c.JobType) {
		score += 10
	}
	return score
}

// eligible applies the hard filters
func eligible(w *domain.Worker, c Criteria) bool {
	if !w.Available() || !w.SupportsPlatform(c.Platform) {
		return false
	}
	if c.Region != "" && w.Region != c.Region {
		return false
	}
	if c.JobType != "" && !w.CanPerform(c.Platform, c.JobType) {
		return false
	}
	return !slices.Contains(c.ExcludeWorkers, w.WorkerID)
}

// SelectWorker picks the best candidate. Ties keep encounter order.
func SelectWorker(candidates []domain.Worker, c Criteria, now time.Time) (*domain.Worker, error) {
	var pool []domain.Worker
	for i := range candidates {
		if eligible(&candidates[i], c) {
			pool = append(pool, candidates[i])
		}
	}

	if len(c.PreferredWorkers) > 0 {
		var preferred []domain.Worker
		for _, w := range pool {
			if slices.Contains(c.PreferredWorkers, w.WorkerID) {
				preferred = append(preferred, w)
			}
		}
		if len(preferred) > 0 {
			pool = preferred
		}
	}

	if len(pool) == 0 {
		return nil, domain.ErrNoAvailableWorker
	}

	scores := make([]float64, len(pool))
	order := make([]int, len(pool))
	for i := range pool {
		scores[i] = Score(&pool[i], c, now)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	best := pool[order[0]]
	return &best, nil
}

// GetOptimalWorker selects the best available worker for a job
func (s *Service) GetOptimalWorker(ctx context.Context, c Criteria) (*domain.Worker, error) {
	online := true
	candidates, err := s.store.ListWorkers(ctx, storage.WorkerFilter{
		Platform: c.Platform,
		Region:   c.Region,
		Status:   domain.WorkerStatusActive,
		IsOnline: &online,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	// Stored order is newest first; score ties go to the longest-registered worker
	slices.Reverse(candidates)
	return SelectWorker(candidates, c, s.now())
}

// AssignJobToWorker re-checks capacity under the worker's row lock, takes a
// slot and records the assignment
func (s *Service) AssignJobToWorker(ctx context.Context, workerID string, job domain.JobPayload) (*domain.WorkerJobAssignment, error) {
	now := s.now()
	if _, err := s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		return w.Reserve(now)
	}); err != nil {
		return nil, err
	}

	a := &domain.WorkerJobAssignment{
		ID:              uuid.NewString(),
		WorkerID:        workerID,
		JobID:           job.JobID,
		ScheduledPostID: job.ScheduledPostID,
		Platform:        job.Platform,
		JobType:         job.JobType,
		Priority:        job.Priority,
		Status:          domain.AssignmentStatusAssigned,
		AssignedAt:      now,
	}
	if err := s.store.CreateAssignment(ctx, a); err != nil {
		s.release(ctx, workerID)
		return nil, fmt.Errorf("failed to create job assignment: %w", err)
	}

	s.logger.Info("Job assigned to worker",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", workerID),
	)
	return a, nil
}

// FinishAssignment closes the worker's assignment for jobID and folds the
// outcome into the worker's counters. It returns ErrNotAssignedToWorker when
// the latest assignment belongs to another worker or was already settled.
func (s *Service) FinishAssignment(ctx context.Context, workerID, jobID string, success bool, executionMs int64, errMsg string) error {
	now := s.now()

	status := domain.AssignmentStatusFailed
	if success {
		status = domain.AssignmentStatusCompleted
	}

	var held bool
	err := s.updateLatestAssignment(ctx, jobID, func(a *domain.WorkerJobAssignment) error {
		if a.WorkerID != workerID {
			return domain.ErrNotAssignedToWorker
		}
		switch a.Status {
		case domain.AssignmentStatusAssigned, domain.AssignmentStatusInProgress:
			held = true
		case domain.AssignmentStatusExpired:
			// Expiry gave the slot back; the late report is still counted once
			held = false
		default:
			return domain.ErrNotAssignedToWorker
		}
		a.Status = status
		a.Error = errMsg
		a.ExecutionTimeMs = executionMs
		a.CompletedAt = &now
		return nil
	})
	if errors.Is(err, domain.ErrAssignmentNotFound) {
		return domain.ErrNotAssignedToWorker
	}
	if err != nil {
		return err
	}

	_, err = s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		if held {
			w.RecordOutcome(success, executionMs, now)
		} else {
			w.CountOutcome(success, executionMs, now)
		}
		return nil
	})
	return err
}

// ExpireAssignment marks the open assignment of jobID, if any, as expired
// and frees the worker's slot without counting a failed job
func (s *Service) ExpireAssignment(ctx context.Context, jobID, reason string) error {
	now := s.now()

	var workerID string
	err := s.updateLatestAssignment(ctx, jobID, func(a *domain.WorkerJobAssignment) error {
		if a.Terminal() {
			return errAlreadyClosed
		}
		workerID = a.WorkerID
		a.Status = domain.AssignmentStatusExpired
		a.Error = reason
		a.CompletedAt = &now
		return nil
	})
	if errors.Is(err, domain.ErrAssignmentNotFound) || errors.Is(err, errAlreadyClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	s.release(ctx, workerID)
	return nil
}

var errAlreadyClosed = errors.New("assignment already closed")

// updateLatestAssignment applies fn to the latest assignment of jobID under
// the store's row lock. fn sees the current row, so checks made there cannot
// race a concurrent close.
func (s *Service) updateLatestAssignment(ctx context.Context, jobID string, fn func(*domain.WorkerJobAssignment) error) error {
	a, err := s.store.GetLatestAssignment(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = s.store.UpdateAssignment(ctx, a.ID, fn)
	return err
}

// MarkInProgress records that the worker started executing jobID
func (s *Service) MarkInProgress(ctx context.Context, workerID, jobID string) error {
	return s.updateLatestAssignment(ctx, jobID, func(a *domain.WorkerJobAssignment) error {
		if a.WorkerID != workerID || a.Terminal() {
			return domain.ErrNotAssignedToWorker
		}
		a.Status = domain.AssignmentStatusInProgress
		return nil
	})
}

func (s *Service) release(ctx context.Context, workerID string) {
	_, err := s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		w.Release()
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to release worker slot",
			slog.String("worker_id", workerID),
			slog.Any("error", err),
		)
	}
}
