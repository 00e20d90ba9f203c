package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ExpiresRecords(t *testing.T) {
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	rec := &domain.ClaimedJob{JobID: "job-1", QueueName: "facebook:us-east-1", Status: domain.ClaimStatusReady, ClaimedAt: now}
	require.NoError(t, s.Put(ctx, rec, 5*time.Minute))

	ready, err := s.ListReady(ctx, "facebook:us-east-1")
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	now = now.Add(5 * time.Minute)

	_, err = s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	ready, err = s.ListReady(ctx, "facebook:us-east-1")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestStore_ConcurrentAssign(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &domain.ClaimedJob{JobID: "job-1", Status: domain.ClaimStatusReady}, time.Minute))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			if _, err := s.Assign(ctx, "job-1", worker, time.Now()); err == nil {
				mu.Lock()
				wins = append(wins, worker)
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, got.IsAssignedTo(wins[0]))
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &domain.ClaimedJob{JobID: "job-1", Status: domain.ClaimStatusReady}, time.Minute))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	got.Status = domain.ClaimStatusAssigned

	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusReady, again.Status)
}
