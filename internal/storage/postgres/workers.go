package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const workerColumns = `
	worker_id, name, description, platforms, capabilities, specialties, tags,
	max_concurrent_jobs, current_load, min_job_interval, max_jobs_per_hour,
	region, deployment_platform, endpoint_url, auth_token, token_expires_at,
	status, is_online, is_enabled, total_completed, total_failed, success_rate,
	avg_execution_time, avg_response_time, last_job_at, last_ping_at, priority,
	metadata, created_at, updated_at`

type workerRow struct {
	WorkerID           string                     `db:"worker_id"`
	Name               string                     `db:"name"`
	Description        string                     `db:"description"`
	Platforms          pq.StringArray             `db:"platforms"`
	Capabilities       jsonb[[]domain.Capability] `db:"capabilities"`
	Specialties        pq.StringArray             `db:"specialties"`
	Tags               pq.StringArray             `db:"tags"`
	MaxConcurrentJobs  int                        `db:"max_concurrent_jobs"`
	CurrentLoad        int                        `db:"current_load"`
	MinJobInterval     int                        `db:"min_job_interval"`
	MaxJobsPerHour     int                        `db:"max_jobs_per_hour"`
	Region             string                     `db:"region"`
	DeploymentPlatform string                     `db:"deployment_platform"`
	EndpointURL        string                     `db:"endpoint_url"`
	AuthToken          string                     `db:"auth_token"`
	TokenExpiresAt     time.Time                  `db:"token_expires_at"`
	Status             string                     `db:"status"`
	IsOnline           bool                       `db:"is_online"`
	IsEnabled          bool                       `db:"is_enabled"`
	TotalCompleted     int64                      `db:"total_completed"`
	TotalFailed        int64                      `db:"total_failed"`
	SuccessRate        float64                    `db:"success_rate"`
	AvgExecutionTime   int64                      `db:"avg_execution_time"`
	AvgResponseTime    int64                      `db:"avg_response_time"`
	LastJobAt          *time.Time                 `db:"last_job_at"`
	LastPingAt         *time.Time                 `db:"last_ping_at"`
	Priority           int                        `db:"priority"`
	Metadata           jsonb[map[string]any]      `db:"metadata"`
	CreatedAt          time.Time                  `db:"created_at"`
	UpdatedAt          time.Time                  `db:"updated_at"`
}

func (r *workerRow) toDomain() *domain.Worker {
	return &domain.Worker{
		WorkerID:           r.WorkerID,
		Name:               r.Name,
		Description:        r.Description,
		Platforms:          []string(r.Platforms),
		Capabilities:       r.Capabilities.V,
		Specialties:        []string(r.Specialties),
		Tags:               []string(r.Tags),
		MaxConcurrentJobs:  r.MaxConcurrentJobs,
		CurrentLoad:        r.CurrentLoad,
		MinJobInterval:     r.MinJobInterval,
		MaxJobsPerHour:     r.MaxJobsPerHour,
		Region:             r.Region,
		DeploymentPlatform: r.DeploymentPlatform,
		EndpointURL:        r.EndpointURL,
		AuthToken:          r.AuthToken,
		TokenExpiresAt:     r.TokenExpiresAt,
		Status:             r.Status,
		IsOnline:           r.IsOnline,
		IsEnabled:          r.IsEnabled,
		TotalCompleted:     r.TotalCompleted,
		TotalFailed:        r.TotalFailed,
		SuccessRate:        r.SuccessRate,
		AvgExecutionTime:   r.AvgExecutionTime,
		AvgResponseTime:    r.AvgResponseTime,
		LastJobAt:          r.LastJobAt,
		LastPingAt:         r.LastPingAt,
		Priority:           r.Priority,
		Metadata:           r.Metadata.V,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func workerRowFrom(w *domain.Worker) workerRow {
	caps := w.Capabilities
	if caps == nil {
		caps = []domain.Capability{}
	}
	r := workerRow{
		WorkerID:           w.WorkerID,
		Name:               w.Name,
		Description:        w.Description,
		Platforms:          pq.StringArray(nonNil(w.Platforms)),
		Capabilities:       newJSONB(caps),
		Specialties:        pq.StringArray(nonNil(w.Specialties)),
		Tags:               pq.StringArray(nonNil(w.Tags)),
		MaxConcurrentJobs:  w.MaxConcurrentJobs,
		CurrentLoad:        w.CurrentLoad,
		MinJobInterval:     w.MinJobInterval,
		MaxJobsPerHour:     w.MaxJobsPerHour,
		Region:             w.Region,
		DeploymentPlatform: w.DeploymentPlatform,
		EndpointURL:        w.EndpointURL,
		AuthToken:          w.AuthToken,
		TokenExpiresAt:     w.TokenExpiresAt,
		Status:             w.Status,
		IsOnline:           w.IsOnline,
		IsEnabled:          w.IsEnabled,
		TotalCompleted:     w.TotalCompleted,
		TotalFailed:        w.TotalFailed,
		SuccessRate:        w.SuccessRate,
		AvgExecutionTime:   w.AvgExecutionTime,
		AvgResponseTime:    w.AvgResponseTime,
		LastJobAt:          w.LastJobAt,
		LastPingAt:         w.LastPingAt,
		Priority:           w.Priority,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
	if w.Metadata != nil {
		r.Metadata = newJSONB(w.Metadata)
	}
	return r
}

// CreateWorker inserts a new worker record
func (s *Store) CreateWorker(ctx context.Context, w *domain.Worker) error {
	query := `
		INSERT INTO workers (` + workerColumns + `)
		VALUES (
			:worker_id, :name, :description, :platforms, :capabilities, :specialties, :tags,
			:max_concurrent_jobs, :current_load, :min_job_interval, :max_jobs_per_hour,
			:region, :deployment_platform, :endpoint_url, :auth_token, :token_expires_at,
			:status, :is_online, :is_enabled, :total_completed, :total_failed, :success_rate,
			:avg_execution_time, :avg_response_time, :last_job_at, :last_ping_at, :priority,
			:metadata, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, workerRowFrom(w)); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateWorker
		}
		return fmt.Errorf("failed to create worker: %w", err)
	}

	s.logger.Debug("Worker created", "worker_id", w.WorkerID, "region", w.Region)
	return nil
}

// GetWorker retrieves a worker by its ID
func (s *Store) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	var row workerRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workerColumns+` FROM workers WHERE worker_id = $1`, workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return row.toDomain(), nil
}

// ListWorkers lists workers with keyset pagination ordered by created_at DESC, worker_id DESC.
// It fetches PageSize+1 rows so the caller can detect a further page.
func (s *Store) ListWorkers(ctx context.Context, filter storage.WorkerFilter) ([]domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Platform != "" {
		query += fmt.Sprintf(" AND $%d = ANY(platforms)", argIdx)
		args = append(args, filter.Platform)
		argIdx++
	}

	if filter.Region != "" {
		query += fmt.Sprintf(" AND region = $%d", argIdx)
		args = append(args, filter.Region)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.IsOnline != nil {
		query += fmt.Sprintf(" AND is_online = $%d", argIdx)
		args = append(args, *filter.IsOnline)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, worker_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.WorkerID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, worker_id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]domain.Worker, len(rows))
	for i := range rows {
		workers[i] = *rows[i].toDomain()
	}
	return workers, nil
}

// UpdateWorker locks the worker row, applies fn and persists the result
func (s *Store) UpdateWorker(ctx context.Context, workerID string, fn func(*domain.Worker) error) (*domain.Worker, error) {
	var updated *domain.Worker

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row workerRow
		err := tx.GetContext(ctx, &row, `SELECT `+workerColumns+` FROM workers WHERE worker_id = $1 FOR UPDATE`, workerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrWorkerNotFound
			}
			return fmt.Errorf("failed to lock worker: %w", err)
		}

		worker := row.toDomain()
		if err := fn(worker); err != nil {
			return err
		}
		worker.UpdatedAt = s.now()

		query := `
			UPDATE workers
			SET name = :name,
			    description = :description,
			    platforms = :platforms,
			    capabilities = :capabilities,
			    specialties = :specialties,
			    tags = :tags,
			    max_concurrent_jobs = :max_concurrent_jobs,
			    current_load = :current_load,
			    min_job_interval = :min_job_interval,
			    max_jobs_per_hour = :max_jobs_per_hour,
			    endpoint_url = :endpoint_url,
			    auth_token = :auth_token,
			    token_expires_at = :token_expires_at,
			    status = :status,
			    is_online = :is_online,
			    is_enabled = :is_enabled,
			    total_completed = :total_completed,
			    total_failed = :total_failed,
			    success_rate = :success_rate,
			    avg_execution_time = :avg_execution_time,
			    avg_response_time = :avg_response_time,
			    last_job_at = :last_job_at,
			    last_ping_at = :last_ping_at,
			    priority = :priority,
			    metadata = :metadata,
			    updated_at = :updated_at
			WHERE worker_id = :worker_id
		`
		if _, err := tx.NamedExecContext(ctx, query, workerRowFrom(worker)); err != nil {
			return fmt.Errorf("failed to update worker: %w", err)
		}

		updated = worker
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
