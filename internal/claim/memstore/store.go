// Package memstore is an in-process claim store for tests and the
// single-instance memory backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

type entry struct {
	rec       domain.ClaimedJob
	expiresAt time.Time
}

type keyEntry struct {
	jobID     string
	expiresAt time.Time
}

// Store keeps claimed-job records in memory with lazy TTL expiry
type Store struct {
	mu      sync.Mutex
	records map[string]*entry
	keys    map[string]keyEntry
	now     func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		records: make(map[string]*entry),
		keys:    make(map[string]keyEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiry
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// liveLocked returns the record for jobID, dropping it when expired
func (s *Store) liveLocked(jobID string) (*entry, bool) {
	e, ok := s.records[jobID]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.records, jobID)
		return nil, false
	}
	return e, true
}

func copyRecord(rec domain.ClaimedJob) *domain.ClaimedJob {
	if rec.AssignedAt != nil {
		at := *rec.AssignedAt
		rec.AssignedAt = &at
	}
	return &rec
}

func (s *Store) Put(_ context.Context, rec *domain.ClaimedJob, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.JobID] = &entry{rec: *copyRecord(*rec), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*domain.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyRecord(e.rec), nil
}

func (s *Store) ListReady(_ context.Context, queueName string) ([]domain.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []domain.ClaimedJob
	for id, e := range s.records {
		if _, ok := s.liveLocked(id); !ok {
			continue
		}
		if e.rec.QueueName == queueName && e.rec.Status == domain.ClaimStatusReady {
			ready = append(ready, *copyRecord(e.rec))
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].ClaimedAt.Equal(ready[j].ClaimedAt) {
			return ready[i].JobID < ready[j].JobID
		}
		return ready[i].ClaimedAt.Before(ready[j].ClaimedAt)
	})
	return ready, nil
}

func (s *Store) Assign(_ context.Context, jobID, workerID string, at time.Time) (*domain.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if e.rec.Status != domain.ClaimStatusReady {
		return nil, domain.ErrJobAlreadyClaimed
	}
	e.rec.Status = domain.ClaimStatusAssigned
	e.rec.AssignedWorkerID = workerID
	e.rec.AssignedAt = &at
	return copyRecord(e.rec), nil
}

func (s *Store) Unassign(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if !e.rec.IsAssignedTo(workerID) {
		return domain.ErrJobAlreadyClaimed
	}
	e.rec.Status = domain.ClaimStatusReady
	e.rec.AssignedWorkerID = ""
	e.rec.AssignedAt = nil
	return nil
}

func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

func (s *Store) ReserveKey(_ context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if k, ok := s.keys[key]; ok && now.Before(k.expiresAt) && k.jobID != jobID {
		return false, nil
	}
	s.keys[key] = keyEntry{jobID: jobID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseKey(_ context.Context, key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[key]; ok && k.jobID == jobID {
		delete(s.keys, key)
	}
	return nil
}
