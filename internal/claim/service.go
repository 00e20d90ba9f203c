// Package claim implements the Job Claim Service. Consumers move jobs to the
// queue engine's active state and publish short-lived claimed-job records
// that remote workers pull, then finalize with a lock token.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/queue"
)

// Assigner tracks which worker runs which job. The worker management
// service implements it.
type Assigner interface {
	AssignJobToWorker(ctx context.Context, workerID string, job domain.JobPayload) (*domain.WorkerJobAssignment, error)
	FinishAssignment(ctx context.Context, workerID, jobID string, success bool, executionMs int64, errMsg string) error
	ExpireAssignment(ctx context.Context, jobID, reason string) error
}

// ResultRecorder writes job outcomes onto durable state
type ResultRecorder interface {
	ProcessJobCompletion(ctx context.Context, job domain.JobPayload, workerID string, result domain.JobResult) error
	ProcessJobFailure(ctx context.Context, job domain.JobPayload, workerID string, failure domain.JobFailure) (bool, error)
}

// Options tunes the claim service
type Options struct {
	ProcessID       string
	TTL             time.Duration
	IdempotencyTTL  time.Duration
	MaxMissedCycles int
	MaxPullLimit    int
	RetryBaseDelay  time.Duration
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = domain.ClaimTTL
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = time.Hour
	}
	if o.MaxMissedCycles <= 0 {
		o.MaxMissedCycles = 3
	}
	if o.MaxPullLimit <= 0 {
		o.MaxPullLimit = domain.MaxPullLimit
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 30 * time.Second
	}
}

// localClaim is this process's copy of a record it published
type localClaim struct {
	record domain.ClaimedJob
	missed int
}

// Service is the Job Claim Service
type Service struct {
	engine   queue.Engine
	store    Store
	assigner Assigner
	results  ResultRecorder
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	local     map[string]*localClaim // by completion token
	consumers map[string]*consumer   // by queue name
	wg        sync.WaitGroup
}

// NewService creates a claim service
func NewService(engine queue.Engine, store Store, assigner Assigner, results ResultRecorder, opts Options, logger *slog.Logger) *Service {
	opts.applyDefaults()
	return &Service{
		engine:    engine,
		store:     store,
		assigner:  assigner,
		results:   results,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		local:     make(map[string]*localClaim),
		consumers: make(map[string]*consumer),
	}
}

// handleDelivery claims one job: it stays active in the engine while a
// claimed-ready record is published for remote workers
func (s *Service) handleDelivery(ctx context.Context, d queue.Delivery) error {
	job := d.Payload
	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return err
	}

	if job.Expired(s.now()) {
		s.logger.Warn("Dropping expired job", slog.String("job_id", job.JobID))
		return s.engine.Fail(ctx, d.Token, "job expired before claim")
	}

	ok, err := s.store.ReserveKey(ctx, job.IdempotencyKey, job.JobID, s.opts.IdempotencyTTL)
	if err != nil {
		return domain.NewRetryableError(err)
	}
	if !ok {
		s.logger.Warn("Duplicate job for idempotency key",
			slog.String("job_id", job.JobID),
			slog.String("idempotency_key", job.IdempotencyKey),
		)
		return s.engine.Fail(ctx, d.Token, domain.ErrDuplicateJob.Error())
	}

	rec := domain.ClaimedJob{
		JobID:           job.JobID,
		QueueName:       d.QueueName,
		Platform:        job.Platform,
		Region:          job.Region,
		CompletionToken: d.Token,
		Payload:         job,
		Attempts:        job.Attempt,
		ClaimedAt:       s.now(),
		ClaimedBy:       s.opts.ProcessID,
		Status:          domain.ClaimStatusReady,
	}
	if err := s.store.Put(ctx, &rec, s.opts.TTL); err != nil {
		return domain.NewRetryableError(err)
	}

	s.mu.Lock()
	s.local[d.Token] = &localClaim{record: rec}
	s.mu.Unlock()

	metrics.JobsClaimedTotal.WithLabelValues(d.QueueName).Inc()
	s.logger.Info("Job claimed successfully",
		slog.String("job_id", job.JobID),
		slog.String("queue", d.QueueName),
		slog.Int("attempt", job.Attempt),
		slog.Bool("redelivered", d.Redelivered),
	)
	return nil
}

func (s *Service) forget(token string) {
	s.mu.Lock()
	delete(s.local, token)
	s.mu.Unlock()
}

// releaseKey frees a job's idempotency key; failures only delay re-enqueue
func (s *Service) releaseKey(ctx context.Context, job domain.JobPayload) {
	if err := s.store.ReleaseKey(ctx, job.IdempotencyKey, job.JobID); err != nil {
		s.logger.Warn("Failed to release idempotency key",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}

// GetClaimedJob returns a job's record if workerID holds it
func (s *Service) GetClaimedJob(ctx context.Context, jobID, workerID string) (*domain.ClaimedJob, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.IsAssignedTo(workerID) {
		return nil, domain.ErrNotAssignedToWorker
	}
	return rec, nil
}

// retryDelay returns the requested delay or a linear backoff on the attempt
func (s *Service) retryDelay(requested time.Duration, attempt int) time.Duration {
	if requested > 0 {
		return requested
	}
	if attempt < 1 {
		attempt = 1
	}
	return s.opts.RetryBaseDelay * time.Duration(attempt)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound)
}

func wrapEngine(op, jobID string, err error) error {
	return fmt.Errorf("failed to %s job %s: %w", op, jobID, err)
}
