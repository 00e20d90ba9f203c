// Package distribution turns scheduled posts into queue jobs routed to the
// platform:region queue that serves them.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
	"github.com/cuongbtq/postdispatch/internal/queue"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// StatusNotEnqueued is reported for posts that never had a job
const StatusNotEnqueued = "not_enqueued"

// Store is the persistence the engine needs
type Store interface {
	storage.PostStore
	storage.AccountStore
}

// Options tunes an Enqueue call
type Options struct {
	// ForceRegion overrides the account preference and platform default
	ForceRegion string
	Delay       time.Duration
	// Priority overrides the post's own priority when set
	Priority *int
}

// EnqueuedJob describes one job created by Enqueue
type EnqueuedJob struct {
	PostID    string `json:"postId"`
	JobID     string `json:"jobId"`
	QueueName string `json:"queueName"`
	Region    string `json:"region"`
	// InFlight marks a post whose earlier job had not finished; no new job was created
	InFlight bool `json:"inFlight,omitempty"`
}

// EnqueueResult is the per-call outcome; Success only when Errors is empty
type EnqueueResult struct {
	Success      bool          `json:"success"`
	EnqueuedJobs int           `json:"enqueuedJobs"`
	Jobs         []EnqueuedJob `json:"jobs"`
	Errors       []string      `json:"errors"`
}

// Engine is the Job Distribution Engine
type Engine struct {
	queue  queue.Engine
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a distribution engine
func NewEngine(q queue.Engine, store Store, logger *slog.Logger) *Engine {
	return &Engine{queue: q, store: store, logger: logger, now: time.Now}
}

// Enqueue creates one job per scheduled post. A failing post is reported in
// Errors and does not stop the others.
func (e *Engine) Enqueue(ctx context.Context, postIDs []string, opts Options) EnqueueResult {
	ctx, span := tracing.Tracer().Start(ctx, "distribution.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.Int("posts", len(postIDs)))

	res := EnqueueResult{Jobs: []EnqueuedJob{}, Errors: []string{}}
	for _, id := range postIDs {
		job, err := e.enqueuePost(ctx, id, opts)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		res.Jobs = append(res.Jobs, *job)
		res.EnqueuedJobs++
	}
	res.Success = len(res.Errors) == 0
	return res
}

func (e *Engine) enqueuePost(ctx context.Context, postID string, opts Options) (*EnqueuedJob, error) {
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	if md := post.JobMetadata; inFlight(post) {
		e.logger.Info("Post already has a job in flight",
			slog.String("post_id", postID),
			slog.String("job_id", md.JobID),
		)
		return &EnqueuedJob{PostID: postID, JobID: md.JobID, QueueName: md.QueueName, Region: md.Region, InFlight: true}, nil
	}

	account, err := e.store.GetAccount(ctx, post.SocialAccountID)
	if err != nil {
		return nil, err
	}

	if !registry.IsSupportedPlatform(post.Platform) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, post.Platform)
	}
	region := determineRegion(post.Platform, account, opts.ForceRegion)
	if err := registry.ValidateRegion(region); err != nil {
		return nil, err
	}

	payload := buildPayload(post, account, region)
	if opts.Priority != nil {
		payload.Priority = *opts.Priority
	}
	queueName := registry.QueueName(post.Platform, region)

	if err := e.queue.Enqueue(ctx, queueName, payload, queue.EnqueueOptions{
		Priority: payload.Priority,
		Delay:    opts.Delay,
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(queueName).Inc()

	now := e.now()
	if _, err := e.store.UpdatePost(ctx, postID, func(p *domain.ScheduledPost) error {
		p.JobMetadata = &domain.JobMetadata{
			JobID:      payload.JobID,
			QueueName:  queueName,
			Region:     region,
			Status:     domain.JobStatusEnqueued,
			EnqueuedAt: now,
		}
		return nil
	}); err != nil {
		// The job is already queued; only its status lookup is affected
		e.logger.Error("Failed to store job metadata",
			slog.String("post_id", postID),
			slog.String("job_id", payload.JobID),
			slog.Any("error", err),
		)
	}

	e.logger.Info("Post enqueued",
		slog.String("post_id", postID),
		slog.String("job_id", payload.JobID),
		slog.String("queue", queueName),
	)
	return &EnqueuedJob{PostID: postID, JobID: payload.JobID, QueueName: queueName, Region: region}, nil
}

// inFlight reports whether the post's last job may still publish
func inFlight(p *domain.ScheduledPost) bool {
	if p.JobMetadata == nil {
		return false
	}
	switch p.JobMetadata.Status {
	case domain.JobStatusEnqueued, domain.JobStatusRetrying:
		return p.Status != domain.PostStatusPosted && p.Status != domain.PostStatusFailed
	}
	return false
}

// determineRegion applies force > account preference > platform default
func determineRegion(platform string, account *domain.SocialAccount, force string) string {
	if force != "" {
		return force
	}
	if r := account.PreferredRegion(); r != "" {
		return r
	}
	return registry.DefaultRegion(platform)
}

// buildPayload never copies account tokens; workers fetch them through the
// credentials endpoint
func buildPayload(post *domain.ScheduledPost, account *domain.SocialAccount, region string) domain.JobPayload {
	p := domain.JobPayload{
		JobID:           uuid.NewString(),
		ScheduledPostID: post.ID,
		Platform:        post.Platform,
		AccountID:       account.ID,
		Region:          region,
		Priority:        post.Priority,
		Content: domain.JobContent{
			Caption:  post.Caption,
			Hashtags: post.Hashtags,
			AssetIDs: post.AssetIDs,
		},
		TargetAccount: domain.TargetAccount{
			ID:       account.AccountID,
			Name:     account.Name,
			Platform: account.Platform,
		},
		IdempotencyKey: post.ID,
		Attempt:        1,
		MaxRetries:     domain.Retries(domain.DefaultMaxRetries),
		ScheduledTime:  post.ScheduledTime,
		Timezone:       post.Timezone,
	}
	p.ApplyDefaults()
	return p
}

// RetryResult is the outcome of Retry
type RetryResult struct {
	Success     bool     `json:"success"`
	RetriedJobs int      `json:"retriedJobs"`
	Errors      []string `json:"errors"`
}

// Retry resets each post's status and job metadata and enqueues it again.
// The post id stays the idempotency key, so a job still running elsewhere
// cannot publish twice.
func (e *Engine) Retry(ctx context.Context, postIDs []string) RetryResult {
	res := RetryResult{Errors: []string{}}
	for _, id := range postIDs {
		_, err := e.store.UpdatePost(ctx, id, func(p *domain.ScheduledPost) error {
			p.Status = domain.PostStatusScheduled
			p.JobMetadata = nil
			p.ErrorMessage = ""
			return nil
		})
		if err == nil {
			_, err = e.enqueuePost(ctx, id, Options{})
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		res.RetriedJobs++
	}
	res.Success = len(res.Errors) == 0
	return res
}

// GetJobStatus returns the job metadata stored on a post
func (e *Engine) GetJobStatus(ctx context.Context, postID string) (*domain.JobMetadata, error) {
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.JobMetadata == nil {
		return &domain.JobMetadata{Status: StatusNotEnqueued}, nil
	}
	return post.JobMetadata, nil
}

// Stats aggregates posts carrying job metadata
type Stats struct {
	TotalEnqueued int            `json:"totalEnqueued"`
	ByPlatform    map[string]int `json:"byPlatform"`
	ByRegion      map[string]int `json:"byRegion"`
	ByStatus      map[string]int `json:"byStatus"`
}

// Stats counts every post that was ever enqueued
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	posts, err := e.store.ListPosts(ctx, storage.PostFilter{WithJobMetadata: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	st := &Stats{ByPlatform: map[string]int{}, ByRegion: map[string]int{}, ByStatus: map[string]int{}}
	for _, p := range posts {
		st.TotalEnqueued++
		st.ByPlatform[p.Platform]++
		st.ByRegion[p.JobMetadata.Region]++
		st.ByStatus[p.JobMetadata.Status]++
	}
	return st, nil
}

// QueueStats returns the engine's view of the named queues. Queues the
// engine cannot inspect are skipped.
func (e *Engine) QueueStats(ctx context.Context, names []string) []queue.Stats {
	out := make([]queue.Stats, 0, len(names))
	for _, name := range names {
		st, err := e.queue.Stats(ctx, name)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Warn("Failed to read queue stats", slog.String("queue", name), slog.Any("error", err))
			}
			continue
		}
		out = append(out, st)
	}
	return out
}
