package arm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/domain"
)

// Publisher performs the platform action for one job. creds is nil for
// pushed jobs, which carry no claim the credential endpoint can check.
type Publisher interface {
	Publish(ctx context.Context, job domain.JobPayload, creds *dto.CredentialsResponse) (domain.JobResult, error)
}

// PublishError is a platform failure with its retry decision
type PublishError struct {
	Code          string
	Message       string
	Retryable     bool
	PlatformError map[string]any
}

func (e *PublishError) Error() string {
	return e.Code + ": " + e.Message
}

// DryRunPublisher logs the job instead of publishing it
type DryRunPublisher struct {
	Logger *slog.Logger
	Delay  time.Duration
}

// Publish waits Delay and returns a synthetic platform post id
func (p *DryRunPublisher) Publish(ctx context.Context, job domain.JobPayload, creds *dto.CredentialsResponse) (domain.JobResult, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return domain.JobResult{}, ctx.Err()
		}
	}

	p.Logger.Info("Dry run publish",
		slog.String("job_id", job.JobID),
		slog.String("platform", job.Platform),
		slog.String("job_type", job.JobType),
		slog.String("target_account", job.TargetAccount.ID),
		slog.Bool("has_credentials", creds != nil),
		slog.Int("caption_length", len(job.Content.Caption)),
	)

	return domain.JobResult{
		PlatformPostID: "dryrun_" + job.JobID,
		Metadata:       map[string]any{"dryRun": true},
	}, nil
}
