// Package postgres implements storage.Store on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/cuongbtq/postdispatch/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Store handles all database operations for the distribution core
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store on top of the shared PostgreSQL client
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return newStore(pg.GetDB(), logger)
}

func newStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates the tables the store needs if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// jsonb maps a JSONB column onto a Go value. A NULL column leaves Valid false.
type jsonb[T any] struct {
	V     T
	Valid bool
}

func newJSONB[T any](v T) jsonb[T] {
	return jsonb[T]{V: v, Valid: true}
}

func (j *jsonb[T]) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		var zero T
		j.V, j.Valid = zero, false
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	if err := json.Unmarshal(data, &j.V); err != nil {
		return fmt.Errorf("failed to decode jsonb: %w", err)
	}
	j.Valid = true
	return nil
}

// Value returns a string so lib/pq sends text rather than bytea
func (j jsonb[T]) Value() (driver.Value, error) {
	if !j.Valid {
		return nil, nil
	}
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}
	return string(data), nil
}
