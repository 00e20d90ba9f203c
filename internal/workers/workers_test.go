package workers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	tokens := NewTokenIssuer("test-secret", 24*time.Hour)
	tokens.now = func() time.Time { return testNow }
	svc := NewService(store, tokens, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func facebookRegistration(id string) Registration {
	return Registration{
		WorkerID:  id,
		Name:      "Arm " + id,
		Platforms: []string{"facebook"},
		Capabilities: []domain.Capability{
			{Platform: "facebook", Actions: []string{domain.JobTypePostText, domain.JobTypePostImage}},
		},
		Region:      "us-east-1",
		EndpointURL: "http://" + id + ".local",
	}
}

func baseWorker(id string) domain.Worker {
	return domain.Worker{
		WorkerID:          id,
		Platforms:         []string{"facebook"},
		Capabilities:      []domain.Capability{{Platform: "facebook", Actions: []string{domain.JobTypePostText}}},
		Region:            "us-east-1",
		MaxConcurrentJobs: 3,
		Status:            domain.WorkerStatusActive,
		IsOnline:          true,
		IsEnabled:         true,
		SuccessRate:       80,
		AvgExecutionTime:  5000,
		Priority:          1,
	}
}

func TestScore_Terms(t *testing.T) {
	recent := testNow.Add(-30 * time.Minute)
	yesterday := testNow.Add(-5 * time.Hour)

	tests := []struct {
		name   string
		mutate func(*domain.Worker)
		c      Criteria
		want   float64
	}{
		// 80*10 + 20 + 5 + 20
		{name: "baseline", mutate: func(*domain.Worker) {}, want: 845},
		{name: "half loaded", mutate: func(w *domain.Worker) { w.MaxConcurrentJobs = 4; w.CurrentLoad = 2 }, want: 835},
		{name: "slow worker earns no speed points", mutate: func(w *domain.Worker) { w.AvgExecutionTime = 20000 }, want: 840},
		{name: "unknown speed uses default", mutate: func(w *domain.Worker) { w.AvgExecutionTime = 0 }, want: 845},
		{name: "lower priority number wins", mutate: func(w *domain.Worker) { w.Priority = 3 }, want: 835},
		{name: "active within the hour", mutate: func(w *domain.Worker) { w.LastJobAt = &recent }, want: 855},
		{name: "active within the day", mutate: func(w *domain.Worker) { w.LastJobAt = &yesterday }, want: 850},
		{name: "platform specialty", mutate: func(w *domain.Worker) { w.Specialties = []string{"facebook"} }, c: Criteria{Platform: "facebook"}, want: 860},
		{name: "job type capability", mutate: func(*domain.Worker) {}, c: Criteria{JobType: domain.JobTypePostText}, want: 855},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := baseWorker("w1")
			tt.mutate(&w)
			assert.InDelta(t, tt.want, Score(&w, tt.c, testNow), 0.0001)
		})
	}
}

func TestSelectWorker_PrefersHigherSuccessRate(t *testing.T) {
	c := Criteria{Platform: "facebook", Region: "us-east-1", JobType: domain.JobTypePostText}

	for i := 0; i < 50; i++ {
		low, high := baseWorker("low"), baseWorker("high")
		low.SuccessRate = float64(i)
		high.SuccessRate = float64(i) + 0.5

		for _, order := range [][]domain.Worker{{low, high}, {high, low}} {
			got, err := SelectWorker(order, c, testNow)
			require.NoError(t, err)
			assert.Equal(t, "high", got.WorkerID)
		}
	}
}

func TestSelectWorker_Filters(t *testing.T) {
	c := Criteria{Platform: "facebook", Region: "us-east-1", JobType: domain.JobTypePostText}

	tests := []struct {
		name   string
		mutate func(*domain.Worker)
		c      Criteria
	}{
		{name: "offline", mutate: func(w *domain.Worker) { w.IsOnline = false }, c: c},
		{name: "disabled", mutate: func(w *domain.Worker) { w.IsEnabled = false }, c: c},
		{name: "failed", mutate: func(w *domain.Worker) { w.Status = domain.WorkerStatusFailed }, c: c},
		{name: "full", mutate: func(w *domain.Worker) { w.CurrentLoad = w.MaxConcurrentJobs }, c: c},
		{name: "other region", mutate: func(w *domain.Worker) { w.Region = "eu-west-1" }, c: c},
		{name: "other platform", mutate: func(w *domain.Worker) { w.Platforms = []string{"twitter"} }, c: c},
		{name: "missing capability", mutate: func(*domain.Worker) {}, c: Criteria{Platform: "facebook", JobType: domain.JobTypePostVideo}},
		{name: "excluded", mutate: func(*domain.Worker) {}, c: Criteria{Platform: "facebook", ExcludeWorkers: []string{"w1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := baseWorker("w1")
			tt.mutate(&w)
			_, err := SelectWorker([]domain.Worker{w}, tt.c, testNow)
			assert.ErrorIs(t, err, domain.ErrNoAvailableWorker)
		})
	}
}

func TestSelectWorker_PreferredAndTies(t *testing.T) {
	a, b, c := baseWorker("a"), baseWorker("b"), baseWorker("c")
	c.SuccessRate = 99

	got, err := SelectWorker([]domain.Worker{a, b, c}, Criteria{Platform: "facebook", PreferredWorkers: []string{"b"}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "b", got.WorkerID)

	got, err = SelectWorker([]domain.Worker{a, b}, Criteria{Platform: "facebook", PreferredWorkers: []string{"gone"}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "a", got.WorkerID, "ties keep encounter order")
}

func TestService_Register(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	w, cred, err := svc.Register(ctx, facebookRegistration("w1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxConcurrentJobs, w.MaxConcurrentJobs)
	assert.Equal(t, domain.DefaultMinJobInterval, w.MinJobInterval)
	assert.Equal(t, domain.DefaultMaxJobsPerHour, w.MaxJobsPerHour)
	assert.Equal(t, int64(domain.DefaultAvgExecutionMs), w.AvgExecutionTime)
	assert.Equal(t, domain.DefaultWorkerPriority, w.Priority)
	assert.True(t, w.IsOnline)
	assert.Equal(t, testNow.Add(24*time.Hour), cred.ExpiresAt)

	id, err := svc.Authenticate(ctx, cred.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerIdentity{WorkerID: "w1", Region: "us-east-1", Platforms: []string{"facebook"}}, id)

	stored, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, cred.Token, stored.AuthToken)

	_, _, err = svc.Register(ctx, facebookRegistration("w1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateWorker)
}

func TestService_RegisterRejectsUnsupported(t *testing.T) {
	svc, _ := newService(t)

	reg := facebookRegistration("w1")
	reg.Platforms = []string{"myspace"}
	_, _, err := svc.Register(context.Background(), reg)
	assert.ErrorIs(t, err, domain.ErrUnsupportedPlatform)

	reg = facebookRegistration("w1")
	reg.Region = "mars-1"
	_, _, err = svc.Register(context.Background(), reg)
	assert.ErrorIs(t, err, domain.ErrUnsupportedRegion)
}

func TestService_IssueToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, first, err := svc.Register(ctx, facebookRegistration("w1"))
	require.NoError(t, err)

	svc.tokens.now = func() time.Time { return testNow.Add(time.Second) }

	cred, err := svc.IssueToken(ctx, "w1", "us-east-1", []string{"facebook"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, cred.Token)

	_, err = svc.IssueToken(ctx, "w1", "eu-west-1", []string{"facebook"})
	assert.ErrorIs(t, err, domain.ErrRegionForbidden)

	_, err = svc.IssueToken(ctx, "w1", "us-east-1", []string{"twitter"})
	assert.ErrorIs(t, err, domain.ErrPlatformForbidden)

	_, err = svc.IssueToken(ctx, "nobody", "us-east-1", []string{"facebook"})
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestTokenIssuer_Verify(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	issuer.now = func() time.Time { return testNow }
	token, _, err := issuer.Issue("w1", "us-east-1", []string{"facebook"})
	require.NoError(t, err)

	other := NewTokenIssuer("other-secret", time.Hour)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewTokenIssuer("secret", time.Hour)
	expired.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	_, err = expired.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_GetOptimalWorker(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		_, _, err := svc.Register(ctx, facebookRegistration(id))
		require.NoError(t, err)
	}
	_, err := store.UpdateWorker(ctx, "w2", func(w *domain.Worker) error {
		w.SuccessRate = 95
		return nil
	})
	require.NoError(t, err)

	got, err := svc.GetOptimalWorker(ctx, Criteria{Platform: "facebook", Region: "us-east-1", JobType: domain.JobTypePostImage})
	require.NoError(t, err)
	assert.Equal(t, "w2", got.WorkerID)

	_, err = svc.GetOptimalWorker(ctx, Criteria{Platform: "tiktok", Region: "us-east-1"})
	assert.ErrorIs(t, err, domain.ErrNoAvailableWorker)
}

func TestService_AssignAndFinish(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, facebookRegistration("w1"))
	require.NoError(t, err)

	job := domain.JobPayload{JobID: "job-1", ScheduledPostID: "post-1", Platform: "facebook", JobType: domain.JobTypePostText}
	a, err := svc.AssignJobToWorker(ctx, "w1", job)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentStatusAssigned, a.Status)

	require.NoError(t, svc.MarkInProgress(ctx, "w1", "job-1"))
	assert.ErrorIs(t, svc.MarkInProgress(ctx, "w2", "job-1"), domain.ErrNotAssignedToWorker)

	w, _ := store.GetWorker(ctx, "w1")
	assert.Equal(t, 1, w.CurrentLoad)

	require.NoError(t, svc.FinishAssignment(ctx, "w1", "job-1", true, 3000, ""))

	w, _ = store.GetWorker(ctx, "w1")
	assert.Equal(t, 0, w.CurrentLoad)
	assert.Equal(t, int64(1), w.TotalCompleted)
	assert.Equal(t, float64(100), w.SuccessRate)

	latest, err := store.GetLatestAssignment(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentStatusCompleted, latest.Status)
	assert.Equal(t, int64(3000), latest.ExecutionTimeMs)
}

func TestService_ExpireAssignmentReleasesOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, facebookRegistration("w1"))
	require.NoError(t, err)

	_, err = svc.AssignJobToWorker(ctx, "w1", domain.JobPayload{JobID: "job-1", Platform: "facebook"})
	require.NoError(t, err)

	require.NoError(t, svc.ExpireAssignment(ctx, "job-1", "claim expired"))
	require.NoError(t, svc.ExpireAssignment(ctx, "job-1", "claim expired"))
	require.NoError(t, svc.ExpireAssignment(ctx, "job-never", "claim expired"))

	w, _ := store.GetWorker(ctx, "w1")
	assert.Equal(t, 0, w.CurrentLoad)
	latest, err := store.GetLatestAssignment(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentStatusExpired, latest.Status)
	assert.Equal(t, "claim expired", latest.Error)

	// A late report still counts but does not free a slot twice
	_, err = svc.AssignJobToWorker(ctx, "w1", domain.JobPayload{JobID: "job-2", Platform: "facebook"})
	require.NoError(t, err)
	require.NoError(t, svc.FinishAssignment(ctx, "w1", "job-1", false, 0, "late"))

	w, _ = store.GetWorker(ctx, "w1")
	assert.Equal(t, 1, w.CurrentLoad)
	assert.Equal(t, int64(1), w.TotalFailed)

	// The expired assignment is settled by the first late report only
	assert.ErrorIs(t, svc.FinishAssignment(ctx, "w1", "job-1", false, 0, "late"), domain.ErrNotAssignedToWorker)
	w, _ = store.GetWorker(ctx, "w1")
	assert.Equal(t, 1, w.CurrentLoad)
	assert.Equal(t, int64(1), w.TotalFailed)
}

func TestService_FinishRejectsForeignAndRepeatedReports(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		_, _, err := svc.Register(ctx, facebookRegistration(id))
		require.NoError(t, err)
	}
	_, err := svc.AssignJobToWorker(ctx, "w1", domain.JobPayload{JobID: "job-1", Platform: "facebook"})
	require.NoError(t, err)
	require.NoError(t, svc.FinishAssignment(ctx, "w1", "job-1", true, 100, ""))

	tests := []struct {
		name     string
		workerID string
		jobID    string
		success  bool
	}{
		{name: "repeated report", workerID: "w1", jobID: "job-1", success: true},
		{name: "other worker", workerID: "w2", jobID: "job-1", success: false},
		{name: "never assigned", workerID: "w1", jobID: "job-unknown", success: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.FinishAssignment(ctx, tt.workerID, tt.jobID, tt.success, 100, "")
			assert.ErrorIs(t, err, domain.ErrNotAssignedToWorker)

			for _, id := range []string{"w1", "w2"} {
				w, err := store.GetWorker(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, 0, w.CurrentLoad, id)
				assert.Zero(t, w.TotalFailed, id)
			}
			w1, _ := store.GetWorker(ctx, "w1")
			assert.Equal(t, int64(1), w1.TotalCompleted)
			assert.Equal(t, float64(100), w1.SuccessRate)
		})
	}
}

// slowReads widens the window between locating an assignment and updating it
type slowReads struct {
	*memory.Store
	delay time.Duration
}

func (s slowReads) GetLatestAssignment(ctx context.Context, jobID string) (*domain.WorkerJobAssignment, error) {
	a, err := s.Store.GetLatestAssignment(ctx, jobID)
	time.Sleep(s.delay)
	return a, err
}

func TestService_FinishAndExpireReleaseOneSlot(t *testing.T) {
	for _, success := range []bool{true, false} {
		t.Run(fmt.Sprintf("success=%t", success), func(t *testing.T) {
			store := slowReads{Store: memory.New(), delay: 20 * time.Millisecond}
			svc := NewService(store, NewTokenIssuer("test-secret", 24*time.Hour), slog.New(slog.NewTextHandler(io.Discard, nil)))
			svc.now = func() time.Time { return testNow }
			ctx := context.Background()

			_, _, err := svc.Register(ctx, facebookRegistration("w1"))
			require.NoError(t, err)
			for _, jobID := range []string{"held", "a"} {
				_, err := svc.AssignJobToWorker(ctx, "w1", domain.JobPayload{JobID: jobID, Platform: "facebook"})
				require.NoError(t, err)
			}

			var (
				wg        sync.WaitGroup
				finishErr error
				expireErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				finishErr = svc.FinishAssignment(ctx, "w1", "a", success, 100, "")
			}()
			go func() {
				defer wg.Done()
				expireErr = svc.ExpireAssignment(ctx, "a", "claim expired")
			}()
			wg.Wait()

			require.NoError(t, finishErr)
			require.NoError(t, expireErr)

			w, err := store.GetWorker(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 1, w.CurrentLoad)
			assert.Equal(t, int64(1), w.TotalCompleted+w.TotalFailed)

			latest, err := store.GetLatestAssignment(ctx, "a")
			require.NoError(t, err)
			assert.True(t, latest.Terminal())
		})
	}
}

func TestService_CapacityInvariantUnderInterleavings(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, facebookRegistration("w1"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held []string
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				if rng.Intn(2) == 0 {
					jobID := fmt.Sprintf("job-%d-%d", seed, i)
					if _, err := svc.AssignJobToWorker(ctx, "w1", domain.JobPayload{JobID: jobID, Platform: "facebook"}); err == nil {
						mu.Lock()
						held = append(held, jobID)
						mu.Unlock()
					}
				} else {
					mu.Lock()
					var jobID string
					if len(held) > 0 {
						jobID, held = held[0], held[1:]
					}
					mu.Unlock()
					if jobID != "" {
						assert.NoError(t, svc.FinishAssignment(ctx, "w1", jobID, rng.Intn(2) == 0, 100, ""))
					}
				}

				w, err := store.GetWorker(ctx, "w1")
				assert.NoError(t, err)
				assert.GreaterOrEqual(t, w.CurrentLoad, 0)
				assert.LessOrEqual(t, w.CurrentLoad, w.MaxConcurrentJobs)
			}
		}(int64(g))
	}
	wg.Wait()

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, len(held), w.CurrentLoad)
}

func TestService_HealthAndHeartbeats(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		_, _, err := svc.Register(ctx, facebookRegistration(id))
		require.NoError(t, err)
	}

	later := testNow.Add(6 * time.Minute)
	svc.now = func() time.Time { return later }

	cpu := 42.5
	require.NoError(t, svc.UpdateWorkerHealth(ctx, "w2", HealthReport{ResponseTimeMs: 120, CPUUsage: &cpu}))

	flagged, err := svc.CheckHeartbeats(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	w1, _ := store.GetWorker(ctx, "w1")
	assert.False(t, w1.IsOnline)
	assert.Equal(t, domain.WorkerStatusFailed, w1.Status)

	w2, _ := store.GetWorker(ctx, "w2")
	assert.True(t, w2.IsOnline)
	assert.Equal(t, int64(120), w2.AvgResponseTime)

	// A fresh ping brings the failed worker back
	require.NoError(t, svc.UpdateWorkerHealth(ctx, "w1", HealthReport{Status: domain.HealthStatusHealthy}))
	w1, _ = store.GetWorker(ctx, "w1")
	assert.True(t, w1.IsOnline)
	assert.Equal(t, domain.WorkerStatusActive, w1.Status)

	history, err := svc.HealthHistory(ctx, "w2", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, &cpu, history[0].CPUUsage)

	assert.ErrorIs(t, svc.UpdateWorkerHealth(ctx, "nobody", HealthReport{}), domain.ErrWorkerNotFound)
}

func TestService_ToggleAndStats(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		_, _, err := svc.Register(ctx, facebookRegistration(id))
		require.NoError(t, err)
	}

	w, err := svc.SetEnabled(ctx, "w1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStatusInactive, w.Status)
	assert.False(t, w.IsEnabled)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Enabled)
	assert.Equal(t, 6, st.TotalCapacity)
	assert.Equal(t, map[string]int{"facebook": 2}, st.ByPlatform)

	w, err = svc.SetEnabled(ctx, "w1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStatusActive, w.Status)

	m, err := svc.GetWorkerMetrics(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.TotalJobs)
}
