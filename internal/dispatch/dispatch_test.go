package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/results"
	"github.com/cuongbtq/postdispatch/internal/storage/memory"
	"github.com/cuongbtq/postdispatch/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "dispatch-secret"

type harness struct {
	svc     *Service
	workers *workers.Service
	store   *memory.Store
	token   string
}

func newHarness(t *testing.T, endpoint string, timeout time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	store.PutAccount(domain.SocialAccount{ID: "acc-1", Platform: "facebook"})
	store.PutPost(domain.ScheduledPost{ID: "post-1", SocialAccountID: "acc-1", Platform: "facebook", Status: domain.PostStatusScheduled})

	ws := workers.NewService(store, workers.NewTokenIssuer("jwt", time.Hour), logger)
	h := &harness{
		svc:     NewService(ws, results.NewProcessor(store, logger), Options{Secret: testSecret, Timeout: timeout, PublicURL: "http://brain.local/"}, logger),
		workers: ws,
		store:   store,
	}

	if endpoint != "" {
		_, cred, err := ws.Register(context.Background(), workers.Registration{
			WorkerID:     "w1",
			Platforms:    []string{"facebook"},
			Capabilities: []domain.Capability{{Platform: "facebook", Actions: []string{domain.JobTypePostText}}},
			Region:       "us-east-1",
			EndpointURL:  endpoint,
		})
		require.NoError(t, err)
		h.token = cred.Token
	}
	return h
}

func (h *harness) load(t *testing.T) int {
	t.Helper()
	w, err := h.store.GetWorker(context.Background(), "w1")
	require.NoError(t, err)
	return w.CurrentLoad
}

func testPayload() domain.JobPayload {
	return domain.JobPayload{
		JobID:           "job-1",
		ScheduledPostID: "post-1",
		Platform:        "facebook",
		JobType:         domain.JobTypePostText,
		AccountID:       "acc-1",
		Region:          "us-east-1",
		TargetAccount:   domain.TargetAccount{ID: "page-1"},
		Content:         domain.JobContent{Caption: "hello"},
	}
}

func ackServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSignJob_Verify(t *testing.T) {
	now := time.Now()
	req, err := SignJob(testSecret, testPayload(), now)
	require.NoError(t, err)
	assert.Len(t, req.Nonce, 32)
	assert.Equal(t, now.UnixMilli(), req.Timestamp)

	require.NoError(t, VerifyJob(testSecret, req, now, 0))
	assert.ErrorIs(t, VerifyJob("other", req, now, 0), domain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifyJob(testSecret, req, now.Add(6*time.Minute), 0), domain.ErrStaleTimestamp)

	tampered := req
	tampered.Payload.Content.Caption = "changed"
	assert.ErrorIs(t, VerifyJob(testSecret, tampered, now, 0), domain.ErrInvalidSignature)

	again, err := SignJob(testSecret, testPayload(), now)
	require.NoError(t, err)
	assert.NotEqual(t, req.Nonce, again.Nonce)
}

func TestVerifyCallback(t *testing.T) {
	now := time.Now()
	body := []byte(`{"jobId":"job-1","workerId":"w1","status":"completed"}`)
	ts := now.UnixMilli()
	valid := SignCallback(testSecret, body, ts)

	tests := []struct {
		name    string
		body    []byte
		sig     string
		ts      string
		wantErr error
	}{
		{name: "valid", body: body, sig: valid, ts: strconv.FormatInt(ts, 10)},
		{name: "tampered body", body: []byte(`{"jobId":"job-2"}`), sig: valid, ts: strconv.FormatInt(ts, 10), wantErr: domain.ErrInvalidSignature},
		{name: "wrong secret", body: body, sig: SignCallback("other", body, ts), ts: strconv.FormatInt(ts, 10), wantErr: domain.ErrInvalidSignature},
		{name: "old timestamp", body: body, sig: SignCallback(testSecret, body, ts-int64(6*time.Minute/time.Millisecond)), ts: strconv.FormatInt(ts-int64(6*time.Minute/time.Millisecond), 10), wantErr: domain.ErrStaleTimestamp},
		{name: "future timestamp", body: body, sig: SignCallback(testSecret, body, ts+int64(6*time.Minute/time.Millisecond)), ts: strconv.FormatInt(ts+int64(6*time.Minute/time.Millisecond), 10), wantErr: domain.ErrStaleTimestamp},
		{name: "missing signature", body: body, ts: strconv.FormatInt(ts, 10), wantErr: domain.ErrInvalidSignature},
		{name: "malformed timestamp", body: body, sig: valid, ts: "yesterday", wantErr: domain.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyCallback(testSecret, tt.body, tt.sig, tt.ts, now, DefaultMaxSkew)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDispatchJob_Success(t *testing.T) {
	var got SignedJobRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ProcessJobPath, r.URL.Path)
		auth = r.Header.Get(HeaderWorkerAuth)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, time.Second)
	res := h.svc.DispatchJob(context.Background(), testPayload())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "w1", res.WorkerID)
	assert.Equal(t, srv.URL, res.WorkerEndpoint)
	assert.NotNil(t, res.ExpectedCompletionTime)

	assert.Equal(t, h.token, auth)
	require.NoError(t, VerifyJob(testSecret, got, time.Now(), 0))
	require.NotNil(t, got.Payload.Callbacks)
	assert.Equal(t, "http://brain.local/api/workers/callback", got.Payload.Callbacks.SuccessURL)

	assert.Equal(t, 1, h.load(t))
	st := h.svc.Stats()
	assert.Equal(t, int64(1), st.TotalDispatched)
	assert.Equal(t, int64(1), st.SuccessfulDispatches)
	assert.Equal(t, 1, st.ActiveJobs)
}

func TestDispatchJob_FailureReasons(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	tests := []struct {
		name     string
		endpoint func(t *testing.T) string
		want     string
		wantLoad int
	}{
		{
			name:     "non-2xx",
			endpoint: func(t *testing.T) string { return ackServer(t, http.StatusInternalServerError, `{"error":"boom"}`).URL },
			want:     "Worker error (500): boom",
		},
		{
			name:     "worker reason verbatim",
			endpoint: func(t *testing.T) string { return ackServer(t, http.StatusOK, `{"success":false,"error":"account suspended"}`).URL },
			want:     "account suspended",
		},
		{
			name:     "rejection without reason",
			endpoint: func(t *testing.T) string { return ackServer(t, http.StatusOK, `{"success":false}`).URL },
			want:     ReasonRejected,
		},
		{
			name:     "empty acknowledgment",
			endpoint: func(t *testing.T) string { return ackServer(t, http.StatusOK, ``).URL },
			want:     ReasonInvalidAck,
		},
		{
			name:     "unreachable",
			endpoint: func(*testing.T) string { return closed.URL },
			want:     ReasonNetwork,
		},
		{
			name: "timeout keeps the reservation",
			endpoint: func(t *testing.T) string {
				srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
					select {
					case <-r.Context().Done():
					case <-time.After(2 * time.Second):
					}
				}))
				t.Cleanup(srv.Close)
				return srv.URL
			},
			want:     ReasonTimeout,
			wantLoad: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.endpoint(t), 100*time.Millisecond)
			res := h.svc.DispatchJob(context.Background(), testPayload())

			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error)
			assert.Equal(t, "w1", res.WorkerID)
			assert.Equal(t, tt.wantLoad, h.load(t))
			assert.Equal(t, int64(1), h.svc.Stats().FailedDispatches)
		})
	}
}

func TestDispatchJob_NoWorkerOrExpired(t *testing.T) {
	h := newHarness(t, "", time.Second)

	res := h.svc.DispatchJob(context.Background(), testPayload())
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoWorker, res.Error)

	p := testPayload()
	past := time.Now().Add(-time.Minute)
	p.ExpiresAt = &past
	res = h.svc.DispatchJob(context.Background(), p)
	assert.Equal(t, ReasonExpired, res.Error)
}

func TestHandleJobCallback(t *testing.T) {
	srv := ackServer(t, http.StatusOK, `{"success":true}`)
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t, srv.URL, time.Second)
		require.True(t, h.svc.DispatchJob(ctx, testPayload()).Success)

		require.NoError(t, h.svc.HandleJobCallback(ctx, Callback{JobID: "job-1", WorkerID: "w1", Status: CallbackProgress, Stage: "uploading", Progress: 40}))
		post, _ := h.store.GetPost(ctx, "post-1")
		assert.Equal(t, domain.PostStatusPosting, post.Status)

		err := h.svc.HandleJobCallback(ctx, Callback{
			JobID:    "job-1",
			WorkerID: "w1",
			Status:   CallbackCompleted,
			Result:   &domain.JobResult{PlatformPostID: "fb_123", ExecutionTimeMs: 800},
		})
		require.NoError(t, err)

		post, _ = h.store.GetPost(ctx, "post-1")
		assert.Equal(t, domain.PostStatusPosted, post.Status)
		assert.Equal(t, "fb_123", post.PlatformPostID)

		w, _ := h.store.GetWorker(ctx, "w1")
		assert.Equal(t, 0, w.CurrentLoad)
		assert.Equal(t, int64(1), w.TotalCompleted)
		assert.Equal(t, float64(100), w.SuccessRate)
		assert.Equal(t, 0, h.svc.Stats().ActiveJobs)
	})

	t.Run("failed", func(t *testing.T) {
		h := newHarness(t, srv.URL, time.Second)
		require.True(t, h.svc.DispatchJob(ctx, testPayload()).Success)

		require.NoError(t, h.svc.HandleJobCallback(ctx, Callback{JobID: "job-1", WorkerID: "w1", Status: CallbackFailed, Error: "rate limited"}))

		post, _ := h.store.GetPost(ctx, "post-1")
		assert.Equal(t, domain.PostStatusScheduled, post.Status)
		w, _ := h.store.GetWorker(ctx, "w1")
		assert.Equal(t, 0, w.CurrentLoad)
		assert.Equal(t, int64(1), w.TotalFailed)
	})

	t.Run("rejects unknown or foreign workers", func(t *testing.T) {
		h := newHarness(t, srv.URL, time.Second)
		require.True(t, h.svc.DispatchJob(ctx, testPayload()).Success)

		err := h.svc.HandleJobCallback(ctx, Callback{JobID: "job-1", WorkerID: "ghost", Status: CallbackCompleted})
		assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

		_, _, err = h.workers.Register(ctx, workers.Registration{WorkerID: "w2", Platforms: []string{"facebook"}, Region: "us-east-1"})
		require.NoError(t, err)
		err = h.svc.HandleJobCallback(ctx, Callback{JobID: "job-1", WorkerID: "w2", Status: CallbackCompleted})
		assert.ErrorIs(t, err, domain.ErrNotAssignedToWorker)

		err = h.svc.HandleJobCallback(ctx, Callback{JobID: "job-1", WorkerID: "w1", Status: "paused"})
		assert.ErrorIs(t, err, ErrUnknownCallbackStatus)

		assert.Equal(t, 1, h.load(t))
	})

	t.Run("settles each assignment once", func(t *testing.T) {
		h := newHarness(t, srv.URL, time.Second)
		require.True(t, h.svc.DispatchJob(ctx, testPayload()).Success)

		done := Callback{JobID: "job-1", WorkerID: "w1", Status: CallbackCompleted, Result: &domain.JobResult{PlatformPostID: "fb_123", ExecutionTimeMs: 800}}
		require.NoError(t, h.svc.HandleJobCallback(ctx, done))

		tests := []struct {
			name string
			cb   Callback
		}{
			{name: "repeated completion", cb: done},
			{name: "failure for a settled job", cb: Callback{JobID: "job-1", WorkerID: "w1", Status: CallbackFailed, Error: "late"}},
			{name: "failure for a job never assigned", cb: Callback{JobID: "never-assigned", WorkerID: "w1", Status: CallbackFailed, Error: "boom"}},
			{name: "progress for a settled job", cb: Callback{JobID: "job-1", WorkerID: "w1", Status: CallbackProgress, Progress: 90}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := h.svc.HandleJobCallback(ctx, tt.cb)
				assert.ErrorIs(t, err, domain.ErrNotAssignedToWorker)

				w, _ := h.store.GetWorker(ctx, "w1")
				assert.Equal(t, 0, w.CurrentLoad)
				assert.Equal(t, int64(1), w.TotalCompleted)
				assert.Zero(t, w.TotalFailed)
				assert.Equal(t, float64(100), w.SuccessRate)

				post, _ := h.store.GetPost(ctx, "post-1")
				assert.Equal(t, domain.PostStatusPosted, post.Status)
			})
		}
	})
}
