// Package arm is the reference worker runtime: it registers with the Brain,
// pulls claimed jobs, accepts signed pushes and reports outcomes.
package arm

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/config"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds worker configuration
type Config struct {
	Logger             *slog.Logger
	Client             *Client
	Publisher          Publisher
	Settings           config.ArmConfig
	DispatchSecret     string
	RegistrationSecret string
}

// task is one job waiting for a pool slot. lockToken is empty for pushed jobs.
type task struct {
	job       domain.JobPayload
	lockToken string
	pushed    bool
}

// Arm is a running worker
type Arm struct {
	logger             *slog.Logger
	client             *Client
	publisher          Publisher
	cfg                config.ArmConfig
	dispatchSecret     string
	registrationSecret string

	jobsChan chan task
	slots    *semaphore.Weighted
	limiter  *rate.Limiter
	wg       sync.WaitGroup

	errorCount  atomic.Int64
	lastLatency atomic.Int64
	now         func() time.Time
}

// New creates a worker
func New(cfg *Config) *Arm {
	s := cfg.Settings
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.PullLimit <= 0 {
		s.PullLimit = 1
	}
	if s.PullInterval <= 0 {
		s.PullInterval = 5 * time.Second
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = 30 * time.Second
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = 2 * time.Minute
	}

	return &Arm{
		logger:             cfg.Logger,
		client:             cfg.Client,
		publisher:          cfg.Publisher,
		cfg:                s,
		dispatchSecret:     cfg.DispatchSecret,
		registrationSecret: cfg.RegistrationSecret,
		jobsChan:           make(chan task, s.Concurrency),
		slots:              semaphore.NewWeighted(int64(s.Concurrency)),
		limiter:            rate.NewLimiter(rate.Every(s.PullInterval), 1),
		now:                time.Now,
	}
}

// Authenticate reuses a configured token or registers the worker. A worker
// id that is already registered gets a fresh token through the auth endpoint.
func (a *Arm) Authenticate(ctx context.Context) error {
	if a.cfg.Token != "" {
		a.client.SetToken(a.cfg.Token)
		a.logger.Info("Using configured worker token", slog.String("worker_id", a.cfg.WorkerID))
		return nil
	}

	caps := make([]dto.CapabilityDTO, 0, len(a.cfg.Capabilities))
	for platform, actions := range a.cfg.Capabilities {
		caps = append(caps, dto.CapabilityDTO{Platform: platform, Actions: actions})
	}

	cred, err := a.client.Register(ctx, dto.RegisterWorkerRequest{
		RegistrationSecret: a.registrationSecret,
		WorkerID:           a.cfg.WorkerID,
		Name:               a.cfg.Name,
		Platforms:          a.cfg.Platforms,
		Capabilities:       caps,
		Specialties:        a.cfg.Specialties,
		Region:             a.cfg.Region,
		DeploymentPlatform: a.cfg.DeploymentPlatform,
		EndpointURL:        a.cfg.EndpointURL,
		MaxConcurrentJobs:  a.cfg.Concurrency,
	})
	if IsStatus(err, http.StatusConflict) {
		return a.renewToken(ctx)
	}
	if err != nil {
		return err
	}

	a.logger.Info("Worker registered",
		slog.String("worker_id", a.cfg.WorkerID),
		slog.Time("token_expires_at", cred.ExpiresAt),
	)
	return nil
}

func (a *Arm) renewToken(ctx context.Context) error {
	cred, err := a.client.Auth(ctx, dto.AuthWorkerRequest{
		RegistrationSecret: a.registrationSecret,
		WorkerID:           a.cfg.WorkerID,
		Region:             a.cfg.Region,
		Platforms:          a.cfg.Platforms,
	})
	if err != nil {
		return err
	}
	a.logger.Info("Worker token renewed",
		slog.String("worker_id", a.cfg.WorkerID),
		slog.Time("token_expires_at", cred.ExpiresAt),
	)
	return nil
}

// Run authenticates, then pulls, pings and serves pushes until ctx is done.
// In-flight jobs finish before Run returns.
func (a *Arm) Run(ctx context.Context, srv *http.Server) error {
	if err := a.Authenticate(ctx); err != nil {
		return err
	}

	a.spawnWorkerPool(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.healthLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.pullLoop(gctx)
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			a.logger.Info("Push receiver listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Pull loop and receiver are the only producers; close to drain the pool
	err := g.Wait()
	close(a.jobsChan)
	a.wg.Wait()
	return err
}
