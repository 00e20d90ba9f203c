package handler

import (
	"log/slog"

	"github.com/cuongbtq/postdispatch/internal/claim"
	"github.com/cuongbtq/postdispatch/internal/config"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/cuongbtq/postdispatch/internal/distribution"
	"github.com/cuongbtq/postdispatch/internal/results"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/cuongbtq/postdispatch/internal/workers"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Config       *config.Config
	Workers      *workers.Service
	Claims       *claim.Service
	Dispatcher   *dispatch.Service
	Distribution *distribution.Engine
	Results      *results.Processor
	Accounts     storage.AccountStore
}

// WorkerHandler handles worker registration, health and administration
type WorkerHandler struct {
	logger             *slog.Logger
	workers            *workers.Service
	dispatcher         *dispatch.Service
	distribution       *distribution.Engine
	results            *results.Processor
	registrationSecret string
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:             deps.Logger,
		workers:            deps.Workers,
		dispatcher:         deps.Dispatcher,
		distribution:       deps.Distribution,
		results:            deps.Results,
		registrationSecret: deps.Config.Security.RegistrationSecret,
	}
}

// JobHandler handles the worker-facing job endpoints
type JobHandler struct {
	logger   *slog.Logger
	claims   *claim.Service
	accounts storage.AccountStore
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		claims:   deps.Claims,
		accounts: deps.Accounts,
	}
}

// DispatchHandler handles pushed jobs and their callbacks
type DispatchHandler struct {
	logger     *slog.Logger
	dispatcher *dispatch.Service
}

// NewDispatchHandler creates a new DispatchHandler instance
func NewDispatchHandler(deps *Dependencies) *DispatchHandler {
	return &DispatchHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
	}
}

// PostHandler handles scheduled post distribution
type PostHandler struct {
	logger       *slog.Logger
	distribution *distribution.Engine
	results      *results.Processor
}

// NewPostHandler creates a new PostHandler instance
func NewPostHandler(deps *Dependencies) *PostHandler {
	return &PostHandler{
		logger:       deps.Logger,
		distribution: deps.Distribution,
		results:      deps.Results,
	}
}
