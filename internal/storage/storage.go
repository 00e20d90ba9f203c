// Package storage declares the persistence contracts the distribution core
// consumes. Implementations live in the postgres and memory subpackages.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// PostStore reads and writes scheduled posts
type PostStore interface {
	GetPost(ctx context.Context, id string) (*domain.ScheduledPost, error)
	// UpdatePost applies fn to the current record atomically and persists the result
	UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (*domain.ScheduledPost, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]domain.ScheduledPost, error)
}

// PostFilter narrows ListPosts
type PostFilter struct {
	Statuses        []string
	UpdatedSince    *time.Time
	UpdatedBefore   *time.Time
	WithJobMetadata bool
	Limit           int
}

// AccountStore reads social accounts and updates their bookkeeping timestamps
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*domain.SocialAccount, error)
	TouchAccount(ctx context.Context, id string, at time.Time) error
}

// WorkerStore persists worker records. Workers are never hard-deleted.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]domain.Worker, error)
	// UpdateWorker applies fn under a row lock so counters never race
	UpdateWorker(ctx context.Context, workerID string, fn func(*domain.Worker) error) (*domain.Worker, error)
}

// WorkerFilter narrows ListWorkers
type WorkerFilter struct {
	Platform string
	Region   string
	Status   string
	IsOnline *bool
	PageSize int
	Cursor   *WorkerCursor
}

// WorkerCursor is the keyset position for worker pagination
type WorkerCursor struct {
	CreatedAt time.Time
	WorkerID  string
}

// AssignmentStore persists worker job assignments
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *domain.WorkerJobAssignment) error
	// GetLatestAssignment returns the most recent assignment for jobID in any state
	GetLatestAssignment(ctx context.Context, jobID string) (*domain.WorkerJobAssignment, error)
	UpdateAssignment(ctx context.Context, id string, fn func(*domain.WorkerJobAssignment) error) (*domain.WorkerJobAssignment, error)
	CountActiveAssignments(ctx context.Context) (int, error)
}

// HealthStore appends worker health samples
type HealthStore interface {
	AppendHealthCheck(ctx context.Context, hc *domain.HealthCheck) error
	ListHealthChecks(ctx context.Context, workerID string, limit int) ([]domain.HealthCheck, error)
}

// Store bundles every persistence contract
type Store interface {
	PostStore
	AccountStore
	WorkerStore
	AssignmentStore
	HealthStore
}
