package workers

import (
	"context"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
)

// ListWorkers returns one page of workers. Stores return PageSize+1 rows so
// the caller can tell whether another page exists.
func (s *Service) ListWorkers(ctx context.Context, filter storage.WorkerFilter) ([]domain.Worker, error) {
	return s.store.ListWorkers(ctx, filter)
}

// GetWorkerMetrics returns a worker's performance metrics
func (s *Service) GetWorkerMetrics(ctx context.Context, workerID string) (*domain.WorkerMetrics, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	m := w.Metrics()
	return &m, nil
}

// SetEnabled enables or disables a worker. Disabled workers are kept as
// inactive records and receive no new work.
func (s *Service) SetEnabled(ctx context.Context, workerID string, enabled bool) (*domain.Worker, error) {
	now := s.now()
	return s.store.UpdateWorker(ctx, workerID, func(w *domain.Worker) error {
		w.IsEnabled = enabled
		if enabled {
			w.Status = domain.WorkerStatusActive
		} else {
			w.Status = domain.WorkerStatusInactive
		}
		w.UpdatedAt = now
		return nil
	})
}

// Stats aggregates the fleet
type Stats struct {
	Total             int            `json:"total"`
	Online            int            `json:"online"`
	Active            int            `json:"active"`
	Enabled           int            `json:"enabled"`
	TotalLoad         int            `json:"totalLoad"`
	TotalCapacity     int            `json:"totalCapacity"`
	ActiveAssignments int            `json:"activeAssignments"`
	ByRegion          map[string]int `json:"byRegion"`
	ByPlatform        map[string]int `json:"byPlatform"`
	ByStatus          map[string]int `json:"byStatus"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

// Stats summarizes every registered worker
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ws, err := s.store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountActiveAssignments(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Total:             len(ws),
		ActiveAssignments: active,
		ByRegion:          map[string]int{},
		ByPlatform:        map[string]int{},
		ByStatus:          map[string]int{},
		GeneratedAt:       s.now(),
	}
	for _, w := range ws {
		if w.IsOnline {
			st.Online++
		}
		if w.Status == domain.WorkerStatusActive {
			st.Active++
		}
		if w.IsEnabled {
			st.Enabled++
		}
		st.TotalLoad += w.CurrentLoad
		st.TotalCapacity += w.MaxConcurrentJobs
		st.ByRegion[w.Region]++
		st.ByStatus[w.Status]++
		for _, p := range w.Platforms {
			st.ByPlatform[p]++
		}
	}
	return st, nil
}
