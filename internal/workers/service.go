// Package workers implements the Worker Management Service: registration,
// credentials, scoring and assignment, health tracking and administration.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/google/uuid"
)

// Store is the persistence the service needs
type Store interface {
	storage.WorkerStore
	storage.AssignmentStore
	storage.HealthStore
}

// Service is the Worker Management Service
type Service struct {
	store  Store
	tokens *TokenIssuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a worker management service
func NewService(store Store, tokens *TokenIssuer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// Registration is the descriptor a worker registers with
type Registration struct {
	WorkerID           string
	Name               string
	Description        string
	Platforms          []string
	Capabilities       []domain.Capability
	Specialties        []string
	Tags               []string
	Region             string
	DeploymentPlatform string
	EndpointURL        string
	MaxConcurrentJobs  int
	MinJobInterval     int
	MaxJobsPerHour     int
	Metadata           map[string]any
}

// Credential is a freshly minted worker token. It is returned once and
// cannot be read back later.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Register validates and persists a new worker and returns its credential
func (s *Service) Register(ctx context.Context, reg Registration) (*domain.Worker, *Credential, error) {
	if err := registry.ValidatePlatforms(reg.Platforms); err != nil {
		return nil, nil, err
	}
	if err := registry.ValidateRegion(reg.Region); err != nil {
		return nil, nil, err
	}
	if reg.WorkerID == "" {
		reg.WorkerID = "arm-" + uuid.NewString()
	}

	token, expiresAt, err := s.tokens.Issue(reg.WorkerID, reg.Region, reg.Platforms)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	w := &domain.Worker{
		WorkerID:           reg.WorkerID,
		Name:               reg.Name,
		Description:        reg.Description,
		Platforms:          reg.Platforms,
		Capabilities:       reg.Capabilities,
		Specialties:        nonNil(reg.Specialties),
		Tags:               nonNil(reg.Tags),
		MaxConcurrentJobs:  orDefault(reg.MaxConcurrentJobs, domain.DefaultMaxConcurrentJobs),
		MinJobInterval:     orDefault(reg.MinJobInterval, domain.DefaultMinJobInterval),
		MaxJobsPerHour:     orDefault(reg.MaxJobsPerHour, domain.DefaultMaxJobsPerHour),
		AvgExecutionTime:   domain.DefaultAvgExecutionMs,
		Region:             reg.Region,
		DeploymentPlatform: reg.DeploymentPlatform,
		EndpointURL:        reg.EndpointURL,
		AuthToken:          token,
		TokenExpiresAt:     expiresAt,
		Status:             domain.WorkerStatusActive,
		IsOnline:           true,
		IsEnabled:          true,
		LastPingAt:         &now,
		Priority:           domain.DefaultWorkerPriority,
		Metadata:           reg.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.CreateWorker(ctx, w); err != nil {
		return nil, nil, err
	}

	s.logger.Info("Worker registered successfully",
		slog.String("worker_id", w.WorkerID),
		slog.String("region", w.Region),
		slog.Any("platforms", w.Platforms),
	)
	return w, &Credential{Token: token, ExpiresAt: expiresAt}, nil
}

// IssueToken mints a fresh credential for an existing worker and rotates
// the stored token. The requested scope must stay inside the registration.
func (s *Service) IssueToken(ctx context.Context, workerID, region string, platforms []string) (*Credential, error) {
	if err := registry.ValidatePlatforms(platforms); err != nil {
		return nil, err
	}
	if err := registry.ValidateRegion(region); err != nil {
		return nil, err
	}

	var cred Credential
	_, err := s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		if w.Region != region {
			return domain.ErrRegionForbidden
		}
		for _, p := range platforms {
			if !w.SupportsPlatform(p) {
				return fmt.Errorf("%w: %s", domain.ErrPlatformForbidden, p)
			}
		}

		token, expiresAt, err := s.tokens.Issue(workerID, region, platforms)
		if err != nil {
			return err
		}
		w.AuthToken = token
		w.TokenExpiresAt = expiresAt
		w.UpdatedAt = s.now()
		cred = Credential{Token: token, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Worker token rotated", slog.String("worker_id", workerID))
	return &cred, nil
}

// Authenticate verifies a bearer credential and checks the worker still exists
func (s *Service) Authenticate(ctx context.Context, token string) (domain.WorkerIdentity, error) {
	id, err := s.tokens.Verify(token)
	if err != nil {
		return domain.WorkerIdentity{}, err
	}
	w, err := s.store.GetWorker(ctx, id.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			return domain.WorkerIdentity{}, ErrInvalidToken
		}
		return domain.WorkerIdentity{}, err
	}
	if !w.IsEnabled {
		return domain.WorkerIdentity{}, domain.ErrWorkerUnavailable
	}
	return id, nil
}

// GetWorker returns one worker
func (s *Service) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	return s.store.GetWorker(ctx, workerID)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
