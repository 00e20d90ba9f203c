package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

type accountRow struct {
	ID                 string                `db:"id"`
	AccountID          string                `db:"account_id"`
	Platform           string                `db:"platform"`
	Name               string                `db:"name"`
	AccessToken        string                `db:"access_token"`
	AccessTokenSecret  string                `db:"access_token_secret"`
	PageAccessTokens   jsonb[pageTokens]     `db:"page_access_tokens"`
	ContentPreferences jsonb[map[string]any] `db:"content_preferences"`
	IsActive           bool                  `db:"is_active"`
	LastPost           *time.Time            `db:"last_post"`
	LastSync           *time.Time            `db:"last_sync"`
}

// GetAccount retrieves a social account by its ID
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.SocialAccount, error) {
	query := `
		SELECT id, account_id, platform, name, access_token, access_token_secret,
		       page_access_tokens, content_preferences, is_active, last_post, last_sync
		FROM social_accounts
		WHERE id = $1
	`

	var row accountRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get social account: %w", err)
	}

	return &domain.SocialAccount{
		ID:                 row.ID,
		AccountID:          row.AccountID,
		Platform:           row.Platform,
		Name:               row.Name,
		AccessToken:        row.AccessToken,
		AccessTokenSecret:  row.AccessTokenSecret,
		PageAccessTokens:   map[string]string(row.PageAccessTokens.V),
		ContentPreferences: row.ContentPreferences.V,
		IsActive:           row.IsActive,
		LastPost:           row.LastPost,
		LastSync:           row.LastSync,
	}, nil
}

// TouchAccount records publishing activity on the account
func (s *Store) TouchAccount(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE social_accounts SET last_post = $1, last_sync = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update social account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
