package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/jmoiron/sqlx"
)

const assignmentColumns = `
	id, worker_id, job_id, scheduled_post_id, platform, job_type, priority,
	status, error, execution_time_ms, assigned_at, completed_at`

type assignmentRow struct {
	ID              string     `db:"id"`
	WorkerID        string     `db:"worker_id"`
	JobID           string     `db:"job_id"`
	ScheduledPostID string     `db:"scheduled_post_id"`
	Platform        string     `db:"platform"`
	JobType         string     `db:"job_type"`
	Priority        int        `db:"priority"`
	Status          string     `db:"status"`
	Error           string     `db:"error"`
	ExecutionTimeMs int64      `db:"execution_time_ms"`
	AssignedAt      time.Time  `db:"assigned_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func (r *assignmentRow) toDomain() *domain.WorkerJobAssignment {
	a := domain.WorkerJobAssignment(*r)
	return &a
}

// CreateAssignment inserts a worker job assignment
func (s *Store) CreateAssignment(ctx context.Context, a *domain.WorkerJobAssignment) error {
	query := `
		INSERT INTO worker_job_assignments (` + assignmentColumns + `)
		VALUES (:id, :worker_id, :job_id, :scheduled_post_id, :platform, :job_type, :priority,
		        :status, :error, :execution_time_ms, :assigned_at, :completed_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, assignmentRow(*a)); err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

// GetLatestAssignment returns the most recent assignment for a job
func (s *Store) GetLatestAssignment(ctx context.Context, jobID string) (*domain.WorkerJobAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM worker_job_assignments
		WHERE job_id = $1
		ORDER BY assigned_at DESC
		LIMIT 1
	`
	var row assignmentRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateAssignment locks the assignment row, applies fn and persists status fields
func (s *Store) UpdateAssignment(ctx context.Context, id string, fn func(*domain.WorkerJobAssignment) error) (*domain.WorkerJobAssignment, error) {
	var updated *domain.WorkerJobAssignment

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row assignmentRow
		err := tx.GetContext(ctx, &row, `SELECT `+assignmentColumns+` FROM worker_job_assignments WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrAssignmentNotFound
			}
			return fmt.Errorf("failed to lock assignment: %w", err)
		}

		a := row.toDomain()
		if err := fn(a); err != nil {
			return err
		}

		query := `
			UPDATE worker_job_assignments
			SET status = :status,
			    error = :error,
			    execution_time_ms = :execution_time_ms,
			    completed_at = :completed_at
			WHERE id = :id
		`
		if _, err := tx.NamedExecContext(ctx, query, assignmentRow(*a)); err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}

		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CountActiveAssignments counts assignments that are assigned or in progress
func (s *Store) CountActiveAssignments(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM worker_job_assignments WHERE status IN ($1, $2)`
	if err := s.db.GetContext(ctx, &count, query,
		domain.AssignmentStatusAssigned, domain.AssignmentStatusInProgress); err != nil {
		return 0, fmt.Errorf("failed to count active assignments: %w", err)
	}
	return count, nil
}
