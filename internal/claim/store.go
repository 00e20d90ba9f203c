package claim

import (
	"context"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// Store is the shared lookup store for claimed-job records. Records expire
// after their TTL. Assign and Unassign are compare-and-set transitions so
// concurrent pulls never hand the same job to two workers.
type Store interface {
	Put(ctx context.Context, rec *domain.ClaimedJob, ttl time.Duration) error
	// Get returns domain.ErrJobNotFound once the record was deleted or expired
	Get(ctx context.Context, jobID string) (*domain.ClaimedJob, error)
	// ListReady returns the claimed-ready records of a queue in claim order
	ListReady(ctx context.Context, queueName string) ([]domain.ClaimedJob, error)
	// Assign flips claimed-ready to assigned, or fails with domain.ErrJobAlreadyClaimed
	Assign(ctx context.Context, jobID, workerID string, at time.Time) (*domain.ClaimedJob, error)
	// Unassign returns a record assigned to workerID to claimed-ready
	Unassign(ctx context.Context, jobID, workerID string) error
	Delete(ctx context.Context, jobID string) error

	// ReserveKey holds an idempotency key for jobID. It reports false when
	// another job already holds the key.
	ReserveKey(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error)
	// ReleaseKey frees the key if jobID still holds it
	ReleaseKey(ctx context.Context, key, jobID string) error
}
