// Package memory is an in-process storage.Store used by tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one mutex
type Store struct {
	mu          sync.Mutex
	posts       map[string]*domain.ScheduledPost
	accounts    map[string]*domain.SocialAccount
	workers     map[string]*domain.Worker
	assignments map[string]*domain.WorkerJobAssignment
	health      map[string][]domain.HealthCheck
	now         func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		posts:       make(map[string]*domain.ScheduledPost),
		accounts:    make(map[string]*domain.SocialAccount),
		workers:     make(map[string]*domain.Worker),
		assignments: make(map[string]*domain.WorkerJobAssignment),
		health:      make(map[string][]domain.HealthCheck),
		now:         time.Now,
	}
}

// SetClock replaces the clock used for CreatedAt/UpdatedAt stamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutPost inserts or replaces a scheduled post
func (s *Store) PutPost(p domain.ScheduledPost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ID] = clonePost(&p)
}

// PutAccount inserts or replaces a social account
func (s *Store) PutAccount(a domain.SocialAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.accounts[a.ID] = &cp
}

func (s *Store) GetPost(_ context.Context, id string) (*domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, domain.ErrPostNotFound
	}
	return clonePost(p), nil
}

func (s *Store) UpdatePost(_ context.Context, id string, fn func(*domain.ScheduledPost) error) (*domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, domain.ErrPostNotFound
	}
	working := clonePost(p)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = s.now()
	s.posts[id] = clonePost(working)
	return working, nil
}

func (s *Store) ListPosts(_ context.Context, filter storage.PostFilter) ([]domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ScheduledPost
	for _, p := range s.posts {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, p.Status) {
			continue
		}
		if filter.UpdatedSince != nil && p.UpdatedAt.Before(*filter.UpdatedSince) {
			continue
		}
		if filter.UpdatedBefore != nil && !p.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if filter.WithJobMetadata && p.JobMetadata == nil {
			continue
		}
		out = append(out, *clonePost(p))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) TouchAccount(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.LastPost = &at
	a.LastSync = &at
	return nil
}

func (s *Store) CreateWorker(_ context.Context, w *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[w.WorkerID]; exists {
		return domain.ErrDuplicateWorker
	}
	now := s.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	s.workers[w.WorkerID] = cloneWorker(w)
	return nil
}

func (s *Store) GetWorker(_ context.Context, workerID string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

func (s *Store) ListWorkers(_ context.Context, filter storage.WorkerFilter) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Worker
	for _, w := range s.workers {
		if filter.Platform != "" && !w.SupportsPlatform(filter.Platform) {
			continue
		}
		if filter.Region != "" && w.Region != filter.Region {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.IsOnline != nil && w.IsOnline != *filter.IsOnline {
			continue
		}
		if c := filter.Cursor; c != nil {
			if w.CreatedAt.After(c.CreatedAt) || (w.CreatedAt.Equal(c.CreatedAt) && w.WorkerID >= c.WorkerID) {
				continue
			}
		}
		out = append(out, *cloneWorker(w))
	}

	// Same ordering as the SQL store: created_at DESC, worker_id DESC
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkerID > out[j].WorkerID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *Store) UpdateWorker(_ context.Context, workerID string, fn func(*domain.Worker) error) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	working := cloneWorker(w)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = s.now()
	s.workers[workerID] = cloneWorker(working)
	return working, nil
}

func (s *Store) CreateAssignment(_ context.Context, a *domain.WorkerJobAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.assignments[a.ID] = &cp
	return nil
}

func (s *Store) GetLatestAssignment(_ context.Context, jobID string) (*domain.WorkerJobAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.WorkerJobAssignment
	for _, a := range s.assignments {
		if a.JobID != jobID {
			continue
		}
		if latest == nil || a.AssignedAt.After(latest.AssignedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, domain.ErrAssignmentNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) UpdateAssignment(_ context.Context, id string, fn func(*domain.WorkerJobAssignment) error) (*domain.WorkerJobAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, domain.ErrAssignmentNotFound
	}
	working := *a
	if err := fn(&working); err != nil {
		return nil, err
	}
	stored := working
	s.assignments[id] = &stored
	return &working, nil
}

func (s *Store) CountActiveAssignments(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.assignments {
		if !a.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendHealthCheck(_ context.Context, hc *domain.HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health[hc.WorkerID] = append(s.health[hc.WorkerID], *hc)
	return nil
}

func (s *Store) ListHealthChecks(_ context.Context, workerID string, limit int) ([]domain.HealthCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checks := s.health[workerID]
	out := make([]domain.HealthCheck, 0, len(checks))
	for i := len(checks) - 1; i >= 0; i-- {
		out = append(out, checks[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// clonePost copies a post, round-tripping the JSON sub-documents the way a JSONB column would
func clonePost(p *domain.ScheduledPost) *domain.ScheduledPost {
	cp := *p
	cp.Hashtags = slices.Clone(p.Hashtags)
	cp.AssetIDs = slices.Clone(p.AssetIDs)
	if p.JobMetadata != nil {
		md := *p.JobMetadata
		cp.JobMetadata = &md
	}
	if p.Analytics != nil {
		cp.Analytics = roundTrip(p.Analytics)
	}
	return &cp
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	cp := *w
	cp.Platforms = slices.Clone(w.Platforms)
	cp.Specialties = slices.Clone(w.Specialties)
	cp.Tags = slices.Clone(w.Tags)
	cp.Capabilities = make([]domain.Capability, len(w.Capabilities))
	for i, c := range w.Capabilities {
		cp.Capabilities[i] = domain.Capability{Platform: c.Platform, Actions: slices.Clone(c.Actions)}
	}
	if w.Metadata != nil {
		cp.Metadata = roundTrip(w.Metadata)
	}
	return &cp
}

func roundTrip(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
