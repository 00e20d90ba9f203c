// Package dispatch pushes signed jobs to selected workers and absorbs the
// callbacks they send back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"github.com/cuongbtq/postdispatch/internal/workers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ProcessJobPath is where workers accept pushed jobs
const ProcessJobPath = "/api/process-job"

// AdminJobExpiry is applied to jobs dispatched through the admin endpoint
const AdminJobExpiry = 30 * time.Minute

// Failure reasons reported by DispatchJob
const (
	ReasonNoWorker       = "No available workers for this job"
	ReasonExpired        = "Job expired before dispatch"
	ReasonTimeout        = "Worker timeout"
	ReasonNetwork        = "Network error reaching worker"
	ReasonRejected       = "Worker rejected job"
	ReasonInvalidAck     = "Invalid worker acknowledgment"
	reasonAssignPrefix   = "Failed to assign job to worker: "
	reasonWorkerErrorFmt = "Worker error (%d): %s"
)

// WorkerDirectory is the slice of worker management the dispatcher uses
type WorkerDirectory interface {
	GetOptimalWorker(ctx context.Context, c workers.Criteria) (*domain.Worker, error)
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)
	AssignJobToWorker(ctx context.Context, workerID string, job domain.JobPayload) (*domain.WorkerJobAssignment, error)
	MarkInProgress(ctx context.Context, workerID, jobID string) error
	FinishAssignment(ctx context.Context, workerID, jobID string, success bool, executionMs int64, errMsg string) error
	ExpireAssignment(ctx context.Context, jobID, reason string) error
}

// ResultProcessor writes callback outcomes onto durable state
type ResultProcessor interface {
	ProcessJobCompletion(ctx context.Context, job domain.JobPayload, workerID string, result domain.JobResult) error
	ProcessJobFailure(ctx context.Context, job domain.JobPayload, workerID string, failure domain.JobFailure) (bool, error)
	ProcessJobProgress(ctx context.Context, job domain.JobPayload, workerID string, progress domain.JobProgress) error
}

// Options configures the dispatcher
type Options struct {
	Secret    string
	Timeout   time.Duration
	UserAgent string
	// PublicURL is the Brain base URL; it fills in missing callback URLs
	PublicURL string
	MaxSkew   time.Duration
}

// Result is the structured outcome of DispatchJob
type Result struct {
	Success                bool       `json:"success"`
	JobID                  string     `json:"jobId"`
	WorkerID               string     `json:"workerId,omitempty"`
	WorkerEndpoint         string     `json:"workerEndpoint,omitempty"`
	DispatchedAt           time.Time  `json:"dispatchedAt"`
	ExpectedCompletionTime *time.Time `json:"expectedCompletionTime,omitempty"`
	Error                  string     `json:"error,omitempty"`
}

type inflight struct {
	payload  domain.JobPayload
	workerID string
}

// Service is the Job Dispatch Service
type Service struct {
	workers WorkerDirectory
	results ResultProcessor
	client  *http.Client
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	active        map[string]inflight
	dispatched    int64
	succeeded     int64
	failed        int64
	totalDuration time.Duration
}

// NewService creates a dispatcher
func NewService(dir WorkerDirectory, results ResultProcessor, opts Options, logger *slog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "postdispatch-brain/1.0"
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	return &Service{
		workers: dir,
		results: results,
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]inflight),
	}
}

// DispatchJob selects a worker, records the assignment and pushes the
// signed job. Failures come back in the Result; nothing is retried here.
func (s *Service) DispatchJob(ctx context.Context, payload domain.JobPayload) Result {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.DispatchJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.platform", payload.Platform),
	)

	payload.ApplyDefaults()
	started := s.now()
	res := Result{JobID: payload.JobID, DispatchedAt: started}

	fail := func(reason string) Result {
		res.Error = reason
		s.record(false, s.now().Sub(started))
		span.SetStatus(codes.Error, reason)
		return res
	}

	if payload.Expired(started) {
		return fail(ReasonExpired)
	}
	if payload.Callbacks == nil && s.opts.PublicURL != "" {
		callback := strings.TrimRight(s.opts.PublicURL, "/") + "/api/workers/callback"
		payload.Callbacks = &domain.Callbacks{SuccessURL: callback, ErrorURL: callback, ProgressURL: callback}
	}

	worker, err := s.workers.GetOptimalWorker(ctx, workers.Criteria{
		Platform: payload.Platform,
		Region:   payload.Region,
		JobType:  payload.JobType,
		Priority: payload.Priority,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNoAvailableWorker) {
			s.logger.Error("Worker selection failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
		}
		return fail(ReasonNoWorker)
	}
	res.WorkerID = worker.WorkerID
	span.SetAttributes(attribute.String("worker.id", worker.WorkerID))

	if _, err := s.workers.AssignJobToWorker(ctx, worker.WorkerID, payload); err != nil {
		return fail(reasonAssignPrefix + err.Error())
	}

	signed, err := SignJob(s.opts.Secret, payload, s.now())
	if err != nil {
		s.expire(ctx, payload.JobID, err.Error())
		return fail(err.Error())
	}

	s.track(payload, worker.WorkerID)
	reason, definite := s.send(ctx, worker, signed)
	if reason != "" {
		// A timed-out push may still have reached the worker; keep its slot
		// until the worker reports or the assignment is expired
		if definite {
			s.untrack(payload.JobID)
			s.expire(ctx, payload.JobID, reason)
		}
		s.logger.Error("Failed to dispatch job",
			slog.String("job_id", payload.JobID),
			slog.String("worker_id", worker.WorkerID),
			slog.String("error", reason),
		)
		return fail(reason)
	}

	elapsed := s.now().Sub(started)
	s.record(true, elapsed)
	expected := s.now().Add(time.Duration(worker.AvgExecutionTime) * time.Millisecond)
	res.Success = true
	res.WorkerEndpoint = worker.EndpointURL
	res.ExpectedCompletionTime = &expected

	s.logger.Info("Job dispatched successfully",
		slog.String("job_id", payload.JobID),
		slog.String("worker_id", worker.WorkerID),
		slog.Duration("elapsed", elapsed),
	)
	return res
}

type ack struct {
	Success *bool  `json:"success"`
	Error   string `json:"error,omitempty"`
}

// send pushes the signed job. It returns an empty reason on success; definite
// reports whether the worker certainly did not take the job.
func (s *Service) send(ctx context.Context, w *domain.Worker, signed SignedJobRequest) (reason string, definite bool) {
	body, err := json.Marshal(signed)
	if err != nil {
		return fmt.Sprintf("failed to encode job: %v", err), true
	}

	url := strings.TrimRight(w.EndpointURL, "/") + ProcessJobPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ReasonNetwork, true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWorkerAuth, w.AuthToken)
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return ReasonTimeout, false
		}
		return ReasonNetwork, true
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var a ack
	decodeErr := json.Unmarshal(raw, &a)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := a.Error
		if decodeErr != nil || msg == "" {
			msg = "Unknown error"
		}
		return fmt.Sprintf(reasonWorkerErrorFmt, resp.StatusCode, msg), true
	}
	if decodeErr != nil || a.Success == nil {
		return ReasonInvalidAck, true
	}
	if !*a.Success {
		if a.Error != "" {
			return a.Error, true
		}
		return ReasonRejected, true
	}
	return "", false
}

func (s *Service) expire(ctx context.Context, jobID, reason string) {
	if err := s.workers.ExpireAssignment(ctx, jobID, reason); err != nil {
		s.logger.Error("Failed to release assignment after dispatch failure",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) track(p domain.JobPayload, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[p.JobID] = inflight{payload: p, workerID: workerID}
}

func (s *Service) untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func (s *Service) lookup(jobID string) (inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.active[jobID]
	return j, ok
}

func (s *Service) record(success bool, elapsed time.Duration) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	metrics.DispatchDuration.Observe(elapsed.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched++
	s.totalDuration += elapsed
	if success {
		s.succeeded++
	} else {
		s.failed++
	}
}

// Stats summarizes dispatch activity since startup
type Stats struct {
	TotalDispatched      int64   `json:"totalDispatched"`
	SuccessfulDispatches int64   `json:"successfulDispatches"`
	FailedDispatches     int64   `json:"failedDispatches"`
	AverageDispatchTime  float64 `json:"averageDispatchTime"`
	ActiveJobs           int     `json:"activeJobs"`
}

// Stats returns dispatch counters. AverageDispatchTime is in milliseconds.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalDispatched:      s.dispatched,
		SuccessfulDispatches: s.succeeded,
		FailedDispatches:     s.failed,
		ActiveJobs:           len(s.active),
	}
	if s.dispatched > 0 {
		st.AverageDispatchTime = float64(s.totalDuration.Milliseconds()) / float64(s.dispatched)
	}
	return st
}
