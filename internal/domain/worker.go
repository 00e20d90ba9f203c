package domain

import (
	"math"
	"slices"
	"time"
)

// Capability lists the actions a worker can perform on one platform
type Capability struct {
	Platform string   `json:"platform"`
	Actions  []string `json:"actions"`
}

// Worker is the durable record of a registered Arm
type Worker struct {
	WorkerID           string         `json:"workerId"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Platforms          []string       `json:"platforms"`
	Capabilities       []Capability   `json:"capabilities"`
	Specialties        []string       `json:"specialties"`
	Tags               []string       `json:"tags"`
	MaxConcurrentJobs  int            `json:"maxConcurrentJobs"`
	CurrentLoad        int            `json:"currentLoad"`
	MinJobInterval     int            `json:"minJobInterval"`
	MaxJobsPerHour     int            `json:"maxJobsPerHour"`
	Region             string         `json:"region"`
	DeploymentPlatform string         `json:"deploymentPlatform"`
	EndpointURL        string         `json:"endpointUrl"`
	AuthToken          string         `json:"-"`
	TokenExpiresAt     time.Time      `json:"tokenExpiresAt"`
	Status             string         `json:"status"`
	IsOnline           bool           `json:"isOnline"`
	IsEnabled          bool           `json:"isEnabled"`
	TotalCompleted     int64          `json:"totalJobsCompleted"`
	TotalFailed        int64          `json:"totalJobsFailed"`
	SuccessRate        float64        `json:"successRate"`
	AvgExecutionTime   int64          `json:"avgExecutionTime"`
	AvgResponseTime    int64          `json:"avgResponseTime"`
	LastJobAt          *time.Time     `json:"lastJobAt,omitempty"`
	LastPingAt         *time.Time     `json:"lastPingAt,omitempty"`
	Priority           int            `json:"priority"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// SupportsPlatform reports whether the worker lists platform
func (w *Worker) SupportsPlatform(platform string) bool {
	return slices.Contains(w.Platforms, platform)
}

// CanPerform reports whether a capability entry for platform includes jobType
func (w *Worker) CanPerform(platform, jobType string) bool {
	for _, c := range w.Capabilities {
		if c.Platform == platform && slices.Contains(c.Actions, jobType) {
			return true
		}
	}
	return false
}

// HasJobTypeCapability reports whether any capability lists jobType
func (w *Worker) HasJobTypeCapability(jobType string) bool {
	for _, c := range w.Capabilities {
		if slices.Contains(c.Actions, jobType) {
			return true
		}
	}
	return false
}

// HasSpecialty reports whether the worker is tagged with the given specialty
func (w *Worker) HasSpecialty(s string) bool {
	return slices.Contains(w.Specialties, s)
}

// HasCapacity reports whether another job fits under maxConcurrentJobs
func (w *Worker) HasCapacity() bool {
	return w.CurrentLoad < w.MaxConcurrentJobs
}

// Available reports whether the worker can be handed new work
func (w *Worker) Available() bool {
	return w.Status == WorkerStatusActive && w.IsEnabled && w.IsOnline && w.HasCapacity()
}

// Reserve takes one capacity slot. It keeps 0 <= CurrentLoad <= MaxConcurrentJobs.
func (w *Worker) Reserve(now time.Time) error {
	if !w.IsEnabled || w.Status != WorkerStatusActive {
		return ErrWorkerUnavailable
	}
	if !w.HasCapacity() {
		return ErrWorkerAtCapacity
	}
	w.CurrentLoad++
	w.LastJobAt = &now
	return nil
}

// Release frees one capacity slot, never going below zero
func (w *Worker) Release() {
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

// RecordOutcome releases the job's slot and folds its result into the counters
func (w *Worker) RecordOutcome(success bool, executionMs int64, now time.Time) {
	w.Release()
	w.CountOutcome(success, executionMs, now)
}

// CountOutcome folds a result into the counters without touching the load
func (w *Worker) CountOutcome(success bool, executionMs int64, now time.Time) {
	if success {
		w.TotalCompleted++
	} else {
		w.TotalFailed++
	}
	w.LastJobAt = &now
	w.SuccessRate = SuccessRate(w.TotalCompleted, w.TotalFailed)

	if executionMs > 0 {
		n := w.TotalCompleted + w.TotalFailed
		w.AvgExecutionTime = (w.AvgExecutionTime*(n-1) + executionMs) / n
	}
}

// SuccessRate returns completed/(completed+failed) as a percentage with two decimals
func SuccessRate(completed, failed int64) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	rate := float64(completed) / float64(total) * 100
	return math.Round(rate*100) / 100
}

// WorkerMetrics is the performance view of a worker
type WorkerMetrics struct {
	TotalJobs            int64      `json:"totalJobs"`
	SuccessfulJobs       int64      `json:"successfulJobs"`
	FailedJobs           int64      `json:"failedJobs"`
	AverageExecutionTime int64      `json:"averageExecutionTime"`
	AverageResponseTime  int64      `json:"averageResponseTime"`
	SuccessRate          float64    `json:"successRate"`
	CurrentLoad          int        `json:"currentLoad"`
	UtilizationRate      float64    `json:"utilizationRate"`
	ErrorRate            float64    `json:"errorRate"`
	LastJobAt            *time.Time `json:"lastJobAt,omitempty"`
	LastPingAt           *time.Time `json:"lastPingAt,omitempty"`
}

// Metrics derives the worker's performance metrics
func (w *Worker) Metrics() WorkerMetrics {
	m := WorkerMetrics{
		TotalJobs:            w.TotalCompleted + w.TotalFailed,
		SuccessfulJobs:       w.TotalCompleted,
		FailedJobs:           w.TotalFailed,
		AverageExecutionTime: w.AvgExecutionTime,
		AverageResponseTime:  w.AvgResponseTime,
		SuccessRate:          w.SuccessRate,
		CurrentLoad:          w.CurrentLoad,
		LastJobAt:            w.LastJobAt,
		LastPingAt:           w.LastPingAt,
	}
	if w.MaxConcurrentJobs > 0 {
		m.UtilizationRate = float64(w.CurrentLoad) / float64(w.MaxConcurrentJobs) * 100
	}
	if m.TotalJobs > 0 {
		m.ErrorRate = float64(w.TotalFailed) / float64(m.TotalJobs) * 100
	}
	return m
}

// WorkerJobAssignment links a job to the worker executing it
type WorkerJobAssignment struct {
	ID              string     `json:"id"`
	WorkerID        string     `json:"workerId"`
	JobID           string     `json:"jobId"`
	ScheduledPostID string     `json:"scheduledPostId,omitempty"`
	Platform        string     `json:"platform"`
	JobType         string     `json:"jobType"`
	Priority        int        `json:"priority"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	ExecutionTimeMs int64      `json:"executionTimeMs,omitempty"`
	AssignedAt      time.Time  `json:"assignedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the assignment no longer holds a worker slot
func (a *WorkerJobAssignment) Terminal() bool {
	switch a.Status {
	case AssignmentStatusCompleted, AssignmentStatusFailed, AssignmentStatusExpired:
		return true
	}
	return false
}

// PlatformHealth is a worker's view of one platform's health
type PlatformHealth struct {
	Status          string `json:"status"`
	LastSuccessAt   string `json:"lastSuccessAt,omitempty"`
	ErrorCount      int    `json:"errorCount"`
	AvgResponseTime int64  `json:"avgResponseTime"`
}

// HealthCheck is one append-only health sample for a worker
type HealthCheck struct {
	ID               string                    `json:"id"`
	WorkerID         string                    `json:"workerId"`
	Status           string                    `json:"status"`
	ResponseTimeMs   int64                     `json:"responseTime"`
	CPUUsage         *float64                  `json:"cpuUsage,omitempty"`
	MemoryUsage      *float64                  `json:"memoryUsage,omitempty"`
	NetworkLatencyMs *int64                    `json:"networkLatency,omitempty"`
	PlatformStatus   map[string]PlatformHealth `json:"platformStatus,omitempty"`
	ErrorCount       int                       `json:"errorCount"`
	CheckedAt        time.Time                 `json:"checkedAt"`
}

// WorkerIdentity is the authenticated caller behind a worker request
type WorkerIdentity struct {
	WorkerID  string
	Region    string
	Platforms []string
}

// AllowsPlatform reports whether the credential covers platform
func (id WorkerIdentity) AllowsPlatform(platform string) bool {
	return slices.Contains(id.Platforms, platform)
}
