package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const postColumns = `
	id, social_account_id, platform, caption, hashtags, asset_ids,
	scheduled_time, timezone, priority, status, published_at,
	platform_post_id, platform_url, error_message, retry_count,
	last_retry_at, job_metadata, analytics, created_at, updated_at`

type postRow struct {
	ID              string                    `db:"id"`
	SocialAccountID string                    `db:"social_account_id"`
	Platform        string                    `db:"platform"`
	Caption         string                    `db:"caption"`
	Hashtags        pq.StringArray            `db:"hashtags"`
	AssetIDs        pq.StringArray            `db:"asset_ids"`
	ScheduledTime   time.Time                 `db:"scheduled_time"`
	Timezone        string                    `db:"timezone"`
	Priority        int                       `db:"priority"`
	Status          string                    `db:"status"`
	PublishedAt     *time.Time                `db:"published_at"`
	PlatformPostID  string                    `db:"platform_post_id"`
	PlatformURL     string                    `db:"platform_url"`
	ErrorMessage    string                    `db:"error_message"`
	RetryCount      int                       `db:"retry_count"`
	LastRetryAt     *time.Time                `db:"last_retry_at"`
	JobMetadata     jsonb[domain.JobMetadata] `db:"job_metadata"`
	Analytics       jsonb[map[string]any]     `db:"analytics"`
	CreatedAt       time.Time                 `db:"created_at"`
	UpdatedAt       time.Time                 `db:"updated_at"`
}

func (r *postRow) toDomain() *domain.ScheduledPost {
	p := &domain.ScheduledPost{
		ID:              r.ID,
		SocialAccountID: r.SocialAccountID,
		Platform:        r.Platform,
		Caption:         r.Caption,
		Hashtags:        []string(r.Hashtags),
		AssetIDs:        []string(r.AssetIDs),
		ScheduledTime:   r.ScheduledTime,
		Timezone:        r.Timezone,
		Priority:        r.Priority,
		Status:          r.Status,
		PublishedAt:     r.PublishedAt,
		PlatformPostID:  r.PlatformPostID,
		PlatformURL:     r.PlatformURL,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
		LastRetryAt:     r.LastRetryAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.JobMetadata.Valid {
		md := r.JobMetadata.V
		p.JobMetadata = &md
	}
	if r.Analytics.Valid {
		p.Analytics = r.Analytics.V
	}
	return p
}

func postRowFrom(p *domain.ScheduledPost) postRow {
	r := postRow{
		ID:              p.ID,
		SocialAccountID: p.SocialAccountID,
		Platform:        p.Platform,
		Caption:         p.Caption,
		Hashtags:        pq.StringArray(nonNil(p.Hashtags)),
		AssetIDs:        pq.StringArray(nonNil(p.AssetIDs)),
		ScheduledTime:   p.ScheduledTime,
		Timezone:        p.Timezone,
		Priority:        p.Priority,
		Status:          p.Status,
		PublishedAt:     p.PublishedAt,
		PlatformPostID:  p.PlatformPostID,
		PlatformURL:     p.PlatformURL,
		ErrorMessage:    p.ErrorMessage,
		RetryCount:      p.RetryCount,
		LastRetryAt:     p.LastRetryAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.JobMetadata != nil {
		r.JobMetadata = newJSONB(*p.JobMetadata)
	}
	if p.Analytics != nil {
		r.Analytics = newJSONB(p.Analytics)
	}
	return r
}

// GetPost retrieves a scheduled post by its ID
func (s *Store) GetPost(ctx context.Context, id string) (*domain.ScheduledPost, error) {
	var row postRow
	err := s.db.GetContext(ctx, &row, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to get scheduled post: %w", err)
	}
	return row.toDomain(), nil
}

// UpdatePost locks the row, applies fn and writes every mutable column back
func (s *Store) UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (*domain.ScheduledPost, error) {
	var updated *domain.ScheduledPost

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row postRow
		err := tx.GetContext(ctx, &row, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPostNotFound
			}
			return fmt.Errorf("failed to lock scheduled post: %w", err)
		}

		post := row.toDomain()
		if err := fn(post); err != nil {
			return err
		}
		post.UpdatedAt = s.now()

		query := `
			UPDATE scheduled_posts
			SET status = :status,
			    published_at = :published_at,
			    platform_post_id = :platform_post_id,
			    platform_url = :platform_url,
			    error_message = :error_message,
			    retry_count = :retry_count,
			    last_retry_at = :last_retry_at,
			    job_metadata = :job_metadata,
			    analytics = :analytics,
			    updated_at = :updated_at
			WHERE id = :id
		`
		if _, err := tx.NamedExecContext(ctx, query, postRowFrom(post)); err != nil {
			return fmt.Errorf("failed to update scheduled post: %w", err)
		}

		updated = post
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPosts lists scheduled posts matching the filter, newest update first
func (s *Store) ListPosts(ctx context.Context, filter storage.PostFilter) ([]domain.ScheduledPost, error) {
	query := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.StringArray(filter.Statuses))
		argIdx++
	}

	if filter.UpdatedSince != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *filter.UpdatedSince)
		argIdx++
	}

	if filter.UpdatedBefore != nil {
		query += fmt.Sprintf(" AND updated_at < $%d", argIdx)
		args = append(args, *filter.UpdatedBefore)
		argIdx++
	}

	if filter.WithJobMetadata {
		query += " AND job_metadata IS NOT NULL"
	}

	query += " ORDER BY updated_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, strings.TrimSpace(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list scheduled posts: %w", err)
	}

	posts := make([]domain.ScheduledPost, len(rows))
	for i := range rows {
		posts[i] = *rows[i].toDomain()
	}
	return posts, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
