package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorker(id string, created time.Time) *domain.Worker {
	return &domain.Worker{
		WorkerID:          id,
		Platforms:         []string{"facebook"},
		Region:            "us-east-1",
		MaxConcurrentJobs: 3,
		Status:            domain.WorkerStatusActive,
		IsOnline:          true,
		IsEnabled:         true,
		CreatedAt:         created,
	}
}

func TestStore_ListWorkers_KeysetPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateWorker(ctx, newWorker(fmt.Sprintf("w%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := s.ListWorkers(ctx, storage.WorkerFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals another page")
	assert.Equal(t, "w4", page[0].WorkerID)
	assert.Equal(t, "w3", page[1].WorkerID)

	last := page[1]
	next, err := s.ListWorkers(ctx, storage.WorkerFilter{
		PageSize: 2,
		Cursor:   &storage.WorkerCursor{CreatedAt: last.CreatedAt, WorkerID: last.WorkerID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, "w2", next[0].WorkerID)
}

func TestStore_CreateWorker_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateWorker(ctx, newWorker("w1", time.Now())))
	assert.ErrorIs(t, s.CreateWorker(ctx, newWorker("w1", time.Now())), domain.ErrDuplicateWorker)
}

func TestStore_UpdateWorker_ConcurrentReserveNeverExceedsCapacity(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorker(ctx, newWorker("w1", time.Now())))

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWorker(ctx, "w1", func(w *domain.Worker) error {
				return w.Reserve(time.Now())
			})
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, reserved)
	assert.Equal(t, 3, w.CurrentLoad)
}

func TestStore_UpdatePost_ErrorLeavesRecordUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutPost(domain.ScheduledPost{ID: "p1", Status: domain.PostStatusScheduled})

	_, err := s.UpdatePost(ctx, "p1", func(p *domain.ScheduledPost) error {
		p.Status = domain.PostStatusPosted
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PostStatusScheduled, p.Status)
}

func TestStore_Analytics_BehavesLikeJSONB(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutPost(domain.ScheduledPost{ID: "p1"})

	_, err := s.UpdatePost(ctx, "p1", func(p *domain.ScheduledPost) error {
		p.EnsureAnalytics()["progressUpdates"] = []map[string]any{{"progress": 10}}
		return nil
	})
	require.NoError(t, err)

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	updates, ok := p.Analytics["progressUpdates"].([]any)
	require.True(t, ok)
	assert.Len(t, updates, 1)
}

func TestStore_GetLatestAssignment(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateAssignment(ctx, &domain.WorkerJobAssignment{ID: "a1", JobID: "j1", WorkerID: "w1", AssignedAt: now.Add(-time.Minute), Status: domain.AssignmentStatusFailed}))
	require.NoError(t, s.CreateAssignment(ctx, &domain.WorkerJobAssignment{ID: "a2", JobID: "j1", WorkerID: "w2", AssignedAt: now, Status: domain.AssignmentStatusAssigned}))

	a, err := s.GetLatestAssignment(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "w2", a.WorkerID)

	n, err := s.CountActiveAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetLatestAssignment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAssignmentNotFound)
}

func TestStore_ListHealthChecks_NewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendHealthCheck(ctx, &domain.HealthCheck{ID: fmt.Sprint(i), WorkerID: "w1"}))
	}

	checks, err := s.ListHealthChecks(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, "2", checks[0].ID)
	assert.Equal(t, "1", checks[1].ID)
}
