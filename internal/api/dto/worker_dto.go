package dto

import (
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// CapabilityDTO is one platform entry of a worker's capability matrix
type CapabilityDTO struct {
	Platform string   `json:"platform" binding:"required,platform"`
	Actions  []string `json:"actions" binding:"required,min=1,dive,jobtype"`
}

// RegisterWorkerRequest represents the request body for registering a worker
type RegisterWorkerRequest struct {
	RegistrationSecret string          `json:"registrationSecret"`
	WorkerID           string          `json:"workerId" binding:"omitempty,max=100"`
	Name               string          `json:"name" binding:"required,max=200"`
	Description        string          `json:"description"`
	Platforms          []string        `json:"platforms" binding:"required,min=1,dive,platform"`
	Capabilities       []CapabilityDTO `json:"capabilities" binding:"omitempty,dive"`
	Specialties        []string        `json:"specialties"`
	Tags               []string        `json:"tags"`
	Region             string          `json:"region" binding:"required,region"`
	DeploymentPlatform string          `json:"deploymentPlatform"`
	EndpointURL        string          `json:"endpointUrl" binding:"omitempty,url"`
	MaxConcurrentJobs  int             `json:"maxConcurrentJobs" binding:"omitempty,min=1,max=100"`
	MinJobInterval     int             `json:"minJobInterval" binding:"omitempty,min=0"`
	MaxJobsPerHour     int             `json:"maxJobsPerHour" binding:"omitempty,min=1"`
	Metadata           map[string]any  `json:"metadata"`
}

// DomainCapabilities converts the request matrix into domain capabilities
func (r RegisterWorkerRequest) DomainCapabilities() []domain.Capability {
	out := make([]domain.Capability, len(r.Capabilities))
	for i, c := range r.Capabilities {
		out[i] = domain.Capability{Platform: c.Platform, Actions: c.Actions}
	}
	return out
}

// AuthWorkerRequest represents the request body for re-issuing a worker token
type AuthWorkerRequest struct {
	RegistrationSecret string   `json:"registrationSecret"`
	WorkerID           string   `json:"workerId" binding:"required"`
	Region             string   `json:"region" binding:"required,region"`
	Platforms          []string `json:"platforms" binding:"required,min=1,dive,platform"`
}

// CredentialResponse carries a freshly minted token
type CredentialResponse struct {
	Success   bool      `json:"success"`
	WorkerID  string    `json:"workerId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthRequest represents a worker health ping
type HealthRequest struct {
	Status         string                           `json:"status" binding:"omitempty,oneof=healthy degraded unhealthy offline"`
	ResponseTime   int64                            `json:"responseTime" binding:"omitempty,min=0"`
	CPUUsage       *float64                         `json:"cpuUsage" binding:"omitempty,min=0,max=100"`
	MemoryUsage    *float64                         `json:"memoryUsage" binding:"omitempty,min=0,max=100"`
	NetworkLatency *int64                           `json:"networkLatency" binding:"omitempty,min=0"`
	PlatformStatus map[string]domain.PlatformHealth `json:"platformStatus"`
	ErrorCount     int                              `json:"errorCount" binding:"omitempty,min=0"`
}

// ListWorkersRequest represents query parameters for listing workers
type ListWorkersRequest struct {
	Platform string `form:"platform" binding:"omitempty,platform"`
	Region   string `form:"region" binding:"omitempty,region"`
	Status   string `form:"status" binding:"omitempty,oneof=active inactive maintenance failed"`
	IsOnline *bool  `form:"isOnline"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Cursor   string `form:"cursor"`
}

// ListWorkersResponse is one page of workers
type ListWorkersResponse struct {
	Success    bool            `json:"success"`
	Workers    []domain.Worker `json:"workers"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ToggleWorkerRequest enables or disables a worker
type ToggleWorkerRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}
