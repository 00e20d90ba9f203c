// Package queue defines the Queue Engine contract: one persistent queue per
// platform:region pair, an active state held until a completion token is
// used, delayed retry and dead-lettering.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// ErrUnknownToken is returned when a completion token does not name an active delivery
var ErrUnknownToken = errors.New("unknown or already finalized completion token")

// Delivery is a job the engine moved to the active state
type Delivery struct {
	// Token finalizes the delivery through Complete, Retry or Fail
	Token       string
	QueueName   string
	Payload     domain.JobPayload
	Redelivered bool
	EnqueuedAt  time.Time
}

// Handler receives active deliveries. Returning nil leaves the delivery
// active; an error hands it back to the engine according to ShouldRequeue.
type Handler func(ctx context.Context, d Delivery) error

// EnqueueOptions tunes a single Enqueue call
type EnqueueOptions struct {
	// Priority orders ready jobs within a queue, higher first
	Priority int
	// Delay holds the job back before it becomes ready
	Delay time.Duration
}

// Stats is a point-in-time view of one queue
type Stats struct {
	Queue     string `json:"queue"`
	Ready     int    `json:"ready"`
	Active    int    `json:"active"`
	Consumers int    `json:"consumers"`
}

// Engine is the queue engine the claim service and distribution engine use
type Engine interface {
	Enqueue(ctx context.Context, queueName string, payload domain.JobPayload, opts EnqueueOptions) error
	// Consume blocks until ctx is cancelled, handing every ready job to handler
	Consume(ctx context.Context, queueName string, handler Handler) error
	// Complete acknowledges the active delivery
	Complete(ctx context.Context, token string) error
	// Retry re-enqueues payload after delay and finalizes the active delivery
	Retry(ctx context.Context, token string, payload domain.JobPayload, delay time.Duration) error
	// Fail moves the active delivery to the dead-letter state
	Fail(ctx context.Context, token string, reason string) error
	// ActiveTokens lists the deliveries this process holds active on queueName
	ActiveTokens(queueName string) []string
	Stats(ctx context.Context, queueName string) (Stats, error)
	Close() error
}

// ShouldRequeue decides what happens to a delivery whose handler failed.
// Only transient errors go back to the queue; everything else is dead-lettered.
func ShouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
