package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := newStore(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var workerCols = []string{
	"worker_id", "name", "description", "platforms", "capabilities", "specialties", "tags",
	"max_concurrent_jobs", "current_load", "min_job_interval", "max_jobs_per_hour",
	"region", "deployment_platform", "endpoint_url", "auth_token", "token_expires_at",
	"status", "is_online", "is_enabled", "total_completed", "total_failed", "success_rate",
	"avg_execution_time", "avg_response_time", "last_job_at", "last_ping_at", "priority",
	"metadata", "created_at", "updated_at",
}

func workerRows(workerID string, load, max int) *sqlmock.Rows {
	return sqlmock.NewRows(workerCols).AddRow(
		workerID, "Worker One", "", "{facebook,instagram}",
		[]byte(`[{"platform":"facebook","actions":["post_text","post_image"]}]`),
		"{facebook}", "{}",
		max, load, 300, 12,
		"us-east-1", "railway", "https://w1.example.com", "token", fixedNow.Add(24*time.Hour),
		domain.WorkerStatusActive, true, true, int64(4), int64(1), 80.0,
		int64(5000), int64(120), nil, fixedNow, 1,
		nil, fixedNow, fixedNow,
	)
}

func TestStore_GetWorker(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "found",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .* FROM workers WHERE worker_id = \$1`).
					WithArgs("w1").
					WillReturnRows(workerRows("w1", 1, 3))
			},
		},
		{
			name: "not found",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .* FROM workers WHERE worker_id = \$1`).
					WithArgs("w1").
					WillReturnRows(sqlmock.NewRows(workerCols))
			},
			wantErr: domain.ErrWorkerNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setup(mock)

			w, err := s.GetWorker(context.Background(), "w1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, w)
			} else {
				require.NoError(t, err)
				assert.Equal(t, []string{"facebook", "instagram"}, w.Platforms)
				assert.True(t, w.CanPerform("facebook", domain.JobTypePostImage))
				assert.Equal(t, 1, w.CurrentLoad)
				assert.Nil(t, w.LastJobAt)
				require.NotNil(t, w.LastPingAt)
				assert.Nil(t, w.Metadata)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_CreateWorker_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO workers`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.CreateWorker(context.Background(), &domain.Worker{WorkerID: "w1", Platforms: []string{"facebook"}})
	assert.ErrorIs(t, err, domain.ErrDuplicateWorker)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateWorker(t *testing.T) {
	t.Run("commits the mutated row", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM workers WHERE worker_id = \$1 FOR UPDATE`).
			WithArgs("w1").
			WillReturnRows(workerRows("w1", 1, 3))
		mock.ExpectExec(`UPDATE workers SET .* WHERE worker_id = \$\d+`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w, err := s.UpdateWorker(context.Background(), "w1", func(w *domain.Worker) error {
			return w.Reserve(fixedNow)
		})
		require.NoError(t, err)
		assert.Equal(t, 2, w.CurrentLoad)
		assert.Equal(t, fixedNow, w.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM workers WHERE worker_id = \$1 FOR UPDATE`).
			WithArgs("w1").
			WillReturnRows(workerRows("w1", 3, 3))
		mock.ExpectRollback()

		_, err := s.UpdateWorker(context.Background(), "w1", func(w *domain.Worker) error {
			return w.Reserve(fixedNow)
		})
		assert.ErrorIs(t, err, domain.ErrWorkerAtCapacity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ListWorkers_BuildsKeysetQuery(t *testing.T) {
	s, mock := newMockStore(t)
	online := true
	cursorAt := fixedNow.Add(-time.Hour)

	mock.ExpectQuery(`SELECT .* FROM workers WHERE 1=1 AND \$1 = ANY\(platforms\) AND region = \$2 AND is_online = \$3 AND \(created_at, worker_id\) < \(\$4, \$5\) ORDER BY created_at DESC, worker_id DESC LIMIT \$6`).
		WithArgs("facebook", "us-east-1", true, cursorAt, "w9", 21).
		WillReturnRows(workerRows("w1", 0, 3))

	workers, err := s.ListWorkers(context.Background(), storage.WorkerFilter{
		Platform: "facebook",
		Region:   "us-east-1",
		IsOnline: &online,
		PageSize: 20,
		Cursor:   &storage.WorkerCursor{CreatedAt: cursorAt, WorkerID: "w9"},
	})
	require.NoError(t, err)
	assert.Len(t, workers, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var postCols = []string{
	"id", "social_account_id", "platform", "caption", "hashtags", "asset_ids",
	"scheduled_time", "timezone", "priority", "status", "published_at",
	"platform_post_id", "platform_url", "error_message", "retry_count",
	"last_retry_at", "job_metadata", "analytics", "created_at", "updated_at",
}

func TestStore_UpdatePost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM scheduled_posts WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(postCols).AddRow(
			"p1", "a1", "facebook", "hello", "{launch}", "{}",
			fixedNow, "UTC", 5, domain.PostStatusScheduled, nil,
			"", "", "", 0,
			nil, []byte(`{"jobId":"j1","queueName":"facebook:us-east-1","region":"us-east-1","status":"enqueued","enqueuedAt":"2026-03-01T11:00:00Z"}`),
			nil, fixedNow, fixedNow,
		))
	mock.ExpectExec(`UPDATE scheduled_posts SET .* WHERE id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	post, err := s.UpdatePost(context.Background(), "p1", func(p *domain.ScheduledPost) error {
		require.NotNil(t, p.JobMetadata)
		assert.Equal(t, "j1", p.JobMetadata.JobID)
		p.Status = domain.PostStatusPosted
		p.EnsureAnalytics()["postedBy"] = "w1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PostStatusPosted, post.Status)
	assert.Equal(t, []string{"launch"}, post.Hashtags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TouchAccount_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE social_accounts SET last_post = \$1, last_sync = \$1 WHERE id = \$2`).
		WithArgs(fixedNow, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.TouchAccount(context.Background(), "missing", fixedNow)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestStore_GetAccount_PageTokenShapes(t *testing.T) {
	cols := []string{
		"id", "account_id", "platform", "name", "access_token", "access_token_secret",
		"page_access_tokens", "content_preferences", "is_active", "last_post", "last_sync",
	}
	tests := []struct {
		name   string
		tokens []byte
	}{
		{name: "object", tokens: []byte(`{"page1":"tok1"}`)},
		{name: "list", tokens: []byte(`[{"pageId":"page1","accessToken":"tok1"}]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(`SELECT .* FROM social_accounts WHERE id = \$1`).
				WithArgs("a1").
				WillReturnRows(sqlmock.NewRows(cols).AddRow(
					"a1", "fb-123", "facebook", "Brand", "secret", "", tt.tokens,
					[]byte(`{"region":"eu-west-1"}`), true, nil, nil,
				))

			acc, err := s.GetAccount(context.Background(), "a1")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"page1": "tok1"}, acc.PageAccessTokens)
			assert.Equal(t, "eu-west-1", acc.PreferredRegion())
		})
	}
}

func TestStore_GetLatestAssignment_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM worker_job_assignments WHERE job_id = \$1 ORDER BY assigned_at DESC LIMIT 1`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetLatestAssignment(context.Background(), "j1")
	assert.True(t, errors.Is(err, domain.ErrAssignmentNotFound))
}

func TestStore_CountActiveAssignments(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM worker_job_assignments WHERE status IN \(\$1, \$2\)`).
		WithArgs(domain.AssignmentStatusAssigned, domain.AssignmentStatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountActiveAssignments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
