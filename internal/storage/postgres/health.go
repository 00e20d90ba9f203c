package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

type healthCheckRow struct {
	ID               string                                  `db:"id"`
	WorkerID         string                                  `db:"worker_id"`
	Status           string                                  `db:"status"`
	ResponseTimeMs   int64                                   `db:"response_time_ms"`
	CPUUsage         *float64                                `db:"cpu_usage"`
	MemoryUsage      *float64                                `db:"memory_usage"`
	NetworkLatencyMs *int64                                  `db:"network_latency_ms"`
	PlatformStatus   jsonb[map[string]domain.PlatformHealth] `db:"platform_status"`
	ErrorCount       int                                     `db:"error_count"`
	CheckedAt        time.Time                               `db:"checked_at"`
}

// AppendHealthCheck records one health sample
func (s *Store) AppendHealthCheck(ctx context.Context, hc *domain.HealthCheck) error {
	row := healthCheckRow{
		ID:               hc.ID,
		WorkerID:         hc.WorkerID,
		Status:           hc.Status,
		ResponseTimeMs:   hc.ResponseTimeMs,
		CPUUsage:         hc.CPUUsage,
		MemoryUsage:      hc.MemoryUsage,
		NetworkLatencyMs: hc.NetworkLatencyMs,
		ErrorCount:       hc.ErrorCount,
		CheckedAt:        hc.CheckedAt,
	}
	if hc.PlatformStatus != nil {
		row.PlatformStatus = newJSONB(hc.PlatformStatus)
	}

	query := `
		INSERT INTO worker_health_checks (
			id, worker_id, status, response_time_ms, cpu_usage, memory_usage,
			network_latency_ms, platform_status, error_count, checked_at
		) VALUES (
			:id, :worker_id, :status, :response_time_ms, :cpu_usage, :memory_usage,
			:network_latency_ms, :platform_status, :error_count, :checked_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append health check: %w", err)
	}
	return nil
}

// ListHealthChecks returns the newest samples for a worker first
func (s *Store) ListHealthChecks(ctx context.Context, workerID string, limit int) ([]domain.HealthCheck, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, worker_id, status, response_time_ms, cpu_usage, memory_usage,
		       network_latency_ms, platform_status, error_count, checked_at
		FROM worker_health_checks
		WHERE worker_id = $1
		ORDER BY checked_at DESC
		LIMIT $2
	`

	var rows []healthCheckRow
	if err := s.db.SelectContext(ctx, &rows, query, workerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list health checks: %w", err)
	}

	checks := make([]domain.HealthCheck, len(rows))
	for i, r := range rows {
		checks[i] = domain.HealthCheck{
			ID:               r.ID,
			WorkerID:         r.WorkerID,
			Status:           r.Status,
			ResponseTimeMs:   r.ResponseTimeMs,
			CPUUsage:         r.CPUUsage,
			MemoryUsage:      r.MemoryUsage,
			NetworkLatencyMs: r.NetworkLatencyMs,
			PlatformStatus:   r.PlatformStatus.V,
			ErrorCount:       r.ErrorCount,
			CheckedAt:        r.CheckedAt,
		}
	}
	return checks, nil
}
