package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeWorker(max int) *Worker {
	return &Worker{
		WorkerID:          "w1",
		MaxConcurrentJobs: max,
		Status:            WorkerStatusActive,
		IsEnabled:         true,
		IsOnline:          true,
		Capabilities: []Capability{
			{Platform: "facebook", Actions: []string{JobTypePostText, JobTypePostImage}},
		},
	}
}

func TestWorker_Reserve(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		mutate  func(w *Worker)
		wantErr error
	}{
		{name: "free slot", mutate: func(w *Worker) {}},
		{name: "disabled", mutate: func(w *Worker) { w.IsEnabled = false }, wantErr: ErrWorkerUnavailable},
		{name: "maintenance", mutate: func(w *Worker) { w.Status = WorkerStatusMaintenance }, wantErr: ErrWorkerUnavailable},
		{name: "full", mutate: func(w *Worker) { w.CurrentLoad = 3 }, wantErr: ErrWorkerAtCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := activeWorker(3)
			tt.mutate(w)
			before := w.CurrentLoad

			err := w.Reserve(now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, w.CurrentLoad)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, w.CurrentLoad)
			require.NotNil(t, w.LastJobAt)
		})
	}
}

func TestWorker_LoadStaysWithinBounds(t *testing.T) {
	w := activeWorker(4)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		switch rng.Intn(3) {
		case 0:
			_ = w.Reserve(time.Now())
		case 1:
			w.Release()
		default:
			w.RecordOutcome(rng.Intn(2) == 0, int64(rng.Intn(9000)), time.Now())
		}
		require.GreaterOrEqual(t, w.CurrentLoad, 0)
		require.LessOrEqual(t, w.CurrentLoad, w.MaxConcurrentJobs)
	}
}

func TestWorker_RecordOutcome(t *testing.T) {
	w := activeWorker(3)
	now := time.Now()
	require.NoError(t, w.Reserve(now))
	require.NoError(t, w.Reserve(now))

	w.RecordOutcome(true, 4000, now)
	w.RecordOutcome(false, 2000, now)

	assert.Equal(t, 0, w.CurrentLoad)
	assert.Equal(t, int64(1), w.TotalCompleted)
	assert.Equal(t, int64(1), w.TotalFailed)
	assert.Equal(t, 50.0, w.SuccessRate)
	assert.Equal(t, int64(3000), w.AvgExecutionTime)
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		completed, failed int64
		want              float64
	}{
		{0, 0, 0},
		{1, 0, 100},
		{2, 1, 66.67},
		{1, 2, 33.33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SuccessRate(tt.completed, tt.failed))
	}
}

func TestWorker_Metrics(t *testing.T) {
	w := activeWorker(4)
	w.CurrentLoad = 1
	w.TotalCompleted = 3
	w.TotalFailed = 1

	m := w.Metrics()
	assert.Equal(t, int64(4), m.TotalJobs)
	assert.Equal(t, 25.0, m.UtilizationRate)
	assert.Equal(t, 25.0, m.ErrorRate)
}

func TestWorker_Capabilities(t *testing.T) {
	w := activeWorker(3)
	w.Platforms = []string{"facebook"}

	assert.True(t, w.SupportsPlatform("facebook"))
	assert.False(t, w.SupportsPlatform("tiktok"))
	assert.True(t, w.CanPerform("facebook", JobTypePostImage))
	assert.False(t, w.CanPerform("facebook", JobTypePostVideo))
	assert.False(t, w.CanPerform("instagram", JobTypePostText))
	assert.True(t, w.HasJobTypeCapability(JobTypePostText))
}
