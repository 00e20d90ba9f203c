package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/google/uuid"
)

// HealthReport is a worker's health snapshot
type HealthReport struct {
	Status           string
	ResponseTimeMs   int64
	CPUUsage         *float64
	MemoryUsage      *float64
	NetworkLatencyMs *int64
	PlatformStatus   map[string]domain.PlatformHealth
	ErrorCount       int
}

// UpdateWorkerHealth appends a health sample and refreshes the worker's
// online state. A worker failed by the heartbeat monitor recovers on any
// ping that does not report offline.
func (s *Service) UpdateWorkerHealth(ctx context.Context, workerID string, r HealthReport) error {
	if r.Status == "" {
		r.Status = domain.HealthStatusHealthy
	}
	now := s.now()

	if _, err := s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		w.IsOnline = r.Status != domain.HealthStatusOffline
		w.LastPingAt = &now
		if r.ResponseTimeMs > 0 {
			w.AvgResponseTime = r.ResponseTimeMs
		}
		if w.IsOnline && w.Status == domain.WorkerStatusFailed {
			w.Status = domain.WorkerStatusActive
		}
		w.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}

	return s.store.AppendHealthCheck(ctx, &domain.HealthCheck{
		ID:               uuid.NewString(),
		WorkerID:         workerID,
		Status:           r.Status,
		ResponseTimeMs:   r.ResponseTimeMs,
		CPUUsage:         r.CPUUsage,
		MemoryUsage:      r.MemoryUsage,
		NetworkLatencyMs: r.NetworkLatencyMs,
		PlatformStatus:   r.PlatformStatus,
		ErrorCount:       r.ErrorCount,
		CheckedAt:        now,
	})
}

// CheckHeartbeats marks online workers whose last ping is older than
// offlineAfter as offline and failed. It returns how many were flagged.
func (s *Service) CheckHeartbeats(ctx context.Context, offlineAfter time.Duration) (int, error) {
	online := true
	ws, err := s.store.ListWorkers(ctx, storage.WorkerFilter{IsOnline: &online})
	if err != nil {
		return 0, err
	}

	now := s.now()
	stale := func(w *domain.Worker) bool {
		return w.LastPingAt == nil || now.Sub(*w.LastPingAt) > offlineAfter
	}

	flagged := 0
	for i := range ws {
		if !stale(&ws[i]) {
			continue
		}

		// Re-check under the row lock; a ping may have landed meanwhile
		updated, err := s.store.UpdateWorker(ctx, ws[i].WorkerID, func(w *domain.Worker) error {
			if w.IsOnline && stale(w) {
				w.IsOnline = false
				w.Status = domain.WorkerStatusFailed
				w.UpdatedAt = now
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to mark worker offline",
				slog.String("worker_id", ws[i].WorkerID),
				slog.Any("error", err),
			)
			continue
		}
		if !updated.IsOnline {
			flagged++
			s.logger.Warn("Worker marked offline - no recent ping",
				slog.String("worker_id", updated.WorkerID),
			)
		}
	}

	metrics.WorkersOnline.Set(float64(len(ws) - flagged))
	return flagged, nil
}

// HealthHistory returns the most recent health samples of a worker
func (s *Service) HealthHistory(ctx context.Context, workerID string, limit int) ([]domain.HealthCheck, error) {
	if _, err := s.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	return s.store.ListHealthChecks(ctx, workerID, limit)
}
