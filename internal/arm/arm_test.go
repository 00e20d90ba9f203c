package arm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/claim"
	"github.com/cuongbtq/postdispatch/internal/config"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "dispatch-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBrain struct {
	srv *httptest.Server

	mu             sync.Mutex
	registerStatus int
	credStatus     int
	pullJobs       []claim.PulledJob
	pullLimits     []string
	authHeaders    []string
	completed      map[string]dto.CompleteJobRequest
	failed         map[string]dto.FailJobRequest
	callbacks      []dispatch.Callback
	badCallbacks   int
	health         []dto.HealthRequest
}

func newFakeBrain(t *testing.T) *fakeBrain {
	t.Helper()
	b := &fakeBrain{
		registerStatus: http.StatusCreated,
		credStatus:     http.StatusOK,
		completed:      map[string]dto.CompleteJobRequest{},
		failed:         map[string]dto.FailJobRequest{},
	}

	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workers/register", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		code := b.registerStatus
		b.mu.Unlock()
		if code != http.StatusCreated {
			writeJSON(w, code, map[string]any{"success": false, "error": "worker ID already exists"})
			return
		}
		writeJSON(w, code, map[string]any{"success": true, "token": "registered-token", "expiresAt": time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("POST /api/workers/auth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": "renewed-token", "expiresAt": time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("GET /api/workers/jobs/pull", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
		b.pullLimits = append(b.pullLimits, r.URL.Query().Get("limit"))
		jobs := b.pullJobs
		b.pullJobs = nil
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs, "count": len(jobs)})
	})
	mux.HandleFunc("GET /api/workers/credentials/{accountId}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		code := b.credStatus
		b.mu.Unlock()
		if code != http.StatusOK {
			writeJSON(w, code, map[string]any{"success": false, "error": "Job not found or not assigned to this worker"})
			return
		}
		writeJSON(w, code, map[string]any{"success": true, "credentials": dto.CredentialsResponse{
			AccountID:       r.PathValue("accountId"),
			Platform:        "facebook",
			PageAccessToken: "page-token",
		}})
	})
	mux.HandleFunc("POST /api/workers/jobs/{jobId}/complete", func(w http.ResponseWriter, r *http.Request) {
		var req dto.CompleteJobRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.completed[r.PathValue("jobId")] = req
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/workers/jobs/{jobId}/fail", func(w http.ResponseWriter, r *http.Request) {
		var req dto.FailJobRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.failed[r.PathValue("jobId")] = req
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "willRetry": req.ShouldRetry != nil && *req.ShouldRetry})
	})
	mux.HandleFunc("POST /api/workers/health", func(w http.ResponseWriter, r *http.Request) {
		var req dto.HealthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.health = append(b.health, req)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/workers/callback", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		err := dispatch.VerifyCallback(testSecret, body,
			r.Header.Get(dispatch.HeaderCallbackSignature),
			r.Header.Get(dispatch.HeaderCallbackTimestamp),
			time.Now(), dispatch.DefaultMaxSkew)

		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.badCallbacks++
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": err.Error()})
			return
		}
		var cb dispatch.Callback
		_ = json.Unmarshal(body, &cb)
		b.callbacks = append(b.callbacks, cb)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

type stubPublisher struct {
	mu     sync.Mutex
	err    error
	block  bool
	creds  []*dto.CredentialsResponse
	called int
}

func (p *stubPublisher) Publish(ctx context.Context, job domain.JobPayload, creds *dto.CredentialsResponse) (domain.JobResult, error) {
	p.mu.Lock()
	p.called++
	p.creds = append(p.creds, creds)
	block, err := p.block, p.err
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.JobResult{}, ctx.Err()
	}
	if err != nil {
		return domain.JobResult{}, err
	}
	return domain.JobResult{PlatformPostID: "fb_" + job.JobID, PlatformURL: "https://facebook.com/fb_" + job.JobID}, nil
}

func newTestArm(t *testing.T, brain *fakeBrain, pub Publisher, settings config.ArmConfig) *Arm {
	t.Helper()
	if settings.WorkerID == "" {
		settings.WorkerID = "arm-1"
	}
	settings.Name = "Test Arm"
	settings.Region = "us-east-1"
	settings.Platforms = []string{"facebook"}
	settings.Capabilities = map[string][]string{"facebook": {"post_text"}}

	a := New(&Config{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Client:             NewClient(brain.srv.URL, 5*time.Second, "arm-test"),
		Publisher:          pub,
		Settings:           settings,
		DispatchSecret:     testSecret,
		RegistrationSecret: "reg-secret",
	})
	a.client.SetToken("registered-token")
	return a
}

func pulledJob(id string) claim.PulledJob {
	return claim.PulledJob{
		JobID:     id,
		Platform:  "facebook",
		Region:    "us-east-1",
		LockToken: domain.LockTokenFor(id, "arm-1"),
		Data: domain.JobPayload{
			JobID:         id,
			Platform:      "facebook",
			AccountID:     "acc-1",
			TargetAccount: domain.TargetAccount{ID: "page-1"},
		},
	}
}

// drain runs the pool over whatever is queued and waits for it
func drain(a *Arm) {
	a.spawnWorkerPool(context.Background())
	close(a.jobsChan)
	a.wg.Wait()
}

func TestAuthenticate(t *testing.T) {
	t.Run("registers", func(t *testing.T) {
		brain := newFakeBrain(t)
		a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{})
		a.client.SetToken("")

		require.NoError(t, a.Authenticate(context.Background()))
		assert.Equal(t, "registered-token", a.client.Token())
	})

	t.Run("renews when already registered", func(t *testing.T) {
		brain := newFakeBrain(t)
		brain.registerStatus = http.StatusConflict
		a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{})

		require.NoError(t, a.Authenticate(context.Background()))
		assert.Equal(t, "renewed-token", a.client.Token())
	})

	t.Run("reuses configured token", func(t *testing.T) {
		brain := newFakeBrain(t)
		brain.registerStatus = http.StatusInternalServerError
		a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{Token: "configured"})

		require.NoError(t, a.Authenticate(context.Background()))
		assert.Equal(t, "configured", a.client.Token())
	})

	t.Run("surfaces other errors", func(t *testing.T) {
		brain := newFakeBrain(t)
		brain.registerStatus = http.StatusUnauthorized
		a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{})

		err := a.Authenticate(context.Background())
		assert.True(t, IsStatus(err, http.StatusUnauthorized))
	})
}

func TestPullOnce_CompletesWithLockToken(t *testing.T) {
	brain := newFakeBrain(t)
	brain.pullJobs = []claim.PulledJob{pulledJob("job-1"), pulledJob("job-2")}
	pub := &stubPublisher{}
	a := newTestArm(t, brain, pub, config.ArmConfig{Concurrency: 2, PullLimit: 5})

	assert.Equal(t, 2, a.pullOnce(context.Background()))
	// Every slot is taken until the pool finishes
	assert.Equal(t, 0, a.pullOnce(context.Background()))
	drain(a)

	brain.mu.Lock()
	defer brain.mu.Unlock()
	assert.Equal(t, []string{"2"}, brain.pullLimits)
	assert.Equal(t, "Bearer registered-token", brain.authHeaders[0])
	require.Len(t, brain.completed, 2)
	assert.Equal(t, "job-1-arm-1-claimed", brain.completed["job-1"].LockToken)
	assert.Equal(t, "fb_job-1", brain.completed["job-1"].PlatformPostID)

	require.Len(t, pub.creds, 2)
	require.NotNil(t, pub.creds[0])
	assert.Equal(t, "page-token", pub.creds[0].PageAccessToken)
}

func TestPullOnce_ReleasesUnusedSlots(t *testing.T) {
	brain := newFakeBrain(t)
	a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{Concurrency: 3, PullLimit: 2})

	assert.Equal(t, 0, a.pullOnce(context.Background()))
	assert.True(t, a.slots.TryAcquire(3), "all slots free again after an empty pull")
}

func TestProcessJob_FailureReports(t *testing.T) {
	tests := []struct {
		name       string
		pub        *stubPublisher
		credStatus int
		wantCode   string
		wantRetry  bool
		wantCalled int
	}{
		{
			name:       "retryable platform error",
			pub:        &stubPublisher{err: &PublishError{Code: "RATE_LIMITED", Message: "slow down", Retryable: true}},
			wantCode:   "RATE_LIMITED",
			wantRetry:  true,
			wantCalled: 1,
		},
		{
			name:       "permanent platform error",
			pub:        &stubPublisher{err: &PublishError{Code: "AUTH_ERROR", Message: "token revoked"}},
			wantCode:   "AUTH_ERROR",
			wantRetry:  false,
			wantCalled: 1,
		},
		{
			name:       "timeout",
			pub:        &stubPublisher{block: true},
			wantCode:   ErrorCodeTimeout,
			wantRetry:  true,
			wantCalled: 1,
		},
		{
			name:       "unknown error",
			pub:        &stubPublisher{err: errors.New("boom")},
			wantCode:   domain.ErrorCodeUnknown,
			wantRetry:  true,
			wantCalled: 1,
		},
		{
			name:       "credentials refused",
			pub:        &stubPublisher{},
			credStatus: http.StatusForbidden,
			wantCode:   ErrorCodeCredentials,
			wantRetry:  true,
			wantCalled: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			brain := newFakeBrain(t)
			if tt.credStatus != 0 {
				brain.credStatus = tt.credStatus
			}
			a := newTestArm(t, brain, tt.pub, config.ArmConfig{JobTimeout: 50 * time.Millisecond})

			job := pulledJob("job-1")
			a.processJob(context.Background(), task{job: job.Data, lockToken: job.LockToken})

			brain.mu.Lock()
			defer brain.mu.Unlock()
			require.Contains(t, brain.failed, "job-1")
			got := brain.failed["job-1"]
			assert.Equal(t, job.LockToken, got.LockToken)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
			require.NotNil(t, got.ShouldRetry)
			assert.Equal(t, tt.wantRetry, *got.ShouldRetry)
			assert.Equal(t, tt.wantCalled, tt.pub.called)
			assert.Empty(t, brain.completed)
		})
	}
}

func pushedJob(brain *fakeBrain, id string) domain.JobPayload {
	url := brain.srv.URL + "/api/workers/callback"
	return domain.JobPayload{
		JobID:         id,
		Platform:      "facebook",
		AccountID:     "acc-1",
		TargetAccount: domain.TargetAccount{ID: "page-1"},
		Callbacks:     &domain.Callbacks{SuccessURL: url, ErrorURL: url, ProgressURL: url},
	}
}

func TestProcessJob_PushedJobReportsSignedCallbacks(t *testing.T) {
	brain := newFakeBrain(t)
	pub := &stubPublisher{}
	a := newTestArm(t, brain, pub, config.ArmConfig{})

	a.processJob(context.Background(), task{job: pushedJob(brain, "job-9"), pushed: true})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	assert.Zero(t, brain.badCallbacks)
	require.Len(t, brain.callbacks, 3)
	assert.Equal(t, dispatch.CallbackProgress, brain.callbacks[0].Status)
	assert.Equal(t, "started", brain.callbacks[0].Stage)
	assert.Equal(t, dispatch.CallbackProgress, brain.callbacks[1].Status)

	done := brain.callbacks[2]
	assert.Equal(t, dispatch.CallbackCompleted, done.Status)
	assert.Equal(t, "job-9", done.JobID)
	assert.Equal(t, "arm-1", done.WorkerID)
	require.NotNil(t, done.Result)
	assert.Equal(t, "fb_job-9", done.Result.PlatformPostID)

	// Pushed jobs never touch the claim endpoints
	assert.Empty(t, brain.completed)
	require.Len(t, pub.creds, 1)
	assert.Nil(t, pub.creds[0])
}

func TestProcessJob_PushedFailure(t *testing.T) {
	brain := newFakeBrain(t)
	pub := &stubPublisher{err: &PublishError{Code: "CONTENT_REJECTED", Message: "caption too long"}}
	a := newTestArm(t, brain, pub, config.ArmConfig{})

	a.processJob(context.Background(), task{job: pushedJob(brain, "job-3"), pushed: true})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	last := brain.callbacks[len(brain.callbacks)-1]
	assert.Equal(t, dispatch.CallbackFailed, last.Status)
	assert.Equal(t, "CONTENT_REJECTED", last.ErrorCode)
	require.NotNil(t, last.ShouldRetry)
	assert.False(t, *last.ShouldRetry)
}

func TestProcessJobEndpoint(t *testing.T) {
	brain := newFakeBrain(t)
	a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{Concurrency: 1})
	h := a.Handler()

	push := func(req dispatch.SignedJobRequest, auth string) *httptest.ResponseRecorder {
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodPost, dispatch.ProcessJobPath, bytes.NewReader(raw))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set(dispatch.HeaderWorkerAuth, auth)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	signed, err := dispatch.SignJob(testSecret, pushedJob(brain, "job-1"), time.Now())
	require.NoError(t, err)

	w := push(signed, "someone-else")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tampered := signed
	tampered.Payload.TargetAccount.ID = "page-2"
	w = push(tampered, "registered-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	stale, err := dispatch.SignJob(testSecret, pushedJob(brain, "job-1"), time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	w = push(stale, "registered-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = push(signed, "registered-token")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"success":true`)

	second, err := dispatch.SignJob(testSecret, pushedJob(brain, "job-2"), time.Now())
	require.NoError(t, err)
	w = push(second, "registered-token")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	queued := <-a.jobsChan
	assert.Equal(t, "job-1", queued.job.JobID)
	assert.True(t, queued.pushed)
}

func TestHealthPing(t *testing.T) {
	brain := newFakeBrain(t)
	a := newTestArm(t, brain, &stubPublisher{}, config.ArmConfig{})
	a.errorCount.Store(4)

	a.ping(context.Background())
	a.ping(context.Background())

	brain.mu.Lock()
	defer brain.mu.Unlock()
	require.Len(t, brain.health, 2)
	assert.Equal(t, 4, brain.health[0].ErrorCount)
	assert.Equal(t, 0, brain.health[1].ErrorCount)
	assert.Contains(t, []string{domain.HealthStatusHealthy, domain.HealthStatusDegraded}, brain.health[0].Status)
}
