// Package scheduler runs the Brain's periodic sweeps on a cron. Sweeps that
// must run on a single instance are gated by a leader lease.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Leader reports whether this process currently holds the sweep lease
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Task is one sweep run
type Task func(ctx context.Context) error

// Scheduler triggers registered tasks at fixed intervals
type Scheduler struct {
	cron    *cron.Cron
	leader  Leader
	nodeID  string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a scheduler. A nil leader makes every task run locally.
func New(leader Leader, nodeID string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		leader:  leader,
		nodeID:  nodeID,
		timeout: time.Minute,
		logger:  logger.With("component", "scheduler"),
	}
}

// Every registers task to run at interval. leaderOnly tasks are skipped
// unless this process holds the lease.
func (s *Scheduler) Every(name string, interval time.Duration, leaderOnly bool, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}

	job := &taskJob{
		name:       name,
		task:       task,
		leaderOnly: leaderOnly,
		scheduler:  s,
		logger:     s.logger.With("task", name),
	}
	if _, err := s.cron.AddJob(fmt.Sprintf("@every %s", interval), job); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.logger.Info("Added task to scheduler",
		slog.String("task", name),
		slog.Duration("interval", interval),
		slog.Bool("leader_only", leaderOnly),
	)
	return nil
}

// Start runs the scheduler until ctx is canceled
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	s.cron.Start()
	<-ctx.Done()

	s.logger.Info("Scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) isLeader(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Warn("Failed to acquire leader lease", slog.Any("error", err))
		ok = false
	}

	gauge := metrics.IsLeader.WithLabelValues(s.nodeID)
	if ok {
		gauge.Set(1)
	} else {
		gauge.Set(0)
	}
	return ok
}

type taskJob struct {
	name       string
	task       Task
	leaderOnly bool
	scheduler  *Scheduler
	logger     *slog.Logger
}

// Run is called by the cron library
func (j *taskJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.scheduler.timeout)
	defer cancel()

	if j.leaderOnly && !j.scheduler.isLeader(ctx) {
		return
	}

	ctx, span := tracing.Tracer().Start(ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", j.name)),
	)
	defer span.End()

	if err := j.task(ctx); err != nil {
		j.logger.Error("Scheduled task failed", slog.Any("error", err))
		span.RecordError(err)
	}
}
