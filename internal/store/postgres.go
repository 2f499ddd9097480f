package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/sentinel/config"
)

// PostgresStore keeps assessments in the tables created by migrations/.
// Documents are stored as BYTEA so reads return the exact bytes written.
type PostgresStore struct {
	DB      *sql.DB
	timeout time.Duration
	logger  *log.Logger
}

func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	s := NewPostgresStoreWithDB(db, cfg.Timeout, logger)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an open handle.
func NewPostgresStoreWithDB(db *sql.DB, timeout time.Duration, logger *log.Logger) *PostgresStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &PostgresStore{DB: db, timeout: timeout, logger: logger}
}

func (s *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var data []byte
	err := s.DB.QueryRowContext(ctx, `SELECT document FROM assessments WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *PostgresStore) Put(ctx context.Context, id string, data []byte) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO assessments (id, document, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, id, data)
	if err != nil {
		return fmt.Errorf("postgres store: put %s: %w", id, err)
	}
	s.logger.Printf("stored assessment %s (%d bytes)", id, len(data))
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM assessments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetAlias(ctx context.Context, alias string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT assessment_id FROM assessment_aliases WHERE alias = $1`, alias).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *PostgresStore) PutAlias(ctx context.Context, alias, id string) error {
	if err := ValidateKey(alias); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO assessment_aliases (alias, assessment_id)
VALUES ($1, $2)
ON CONFLICT (alias) DO UPDATE SET assessment_id = EXCLUDED.assessment_id`, alias, id)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.DB.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.DB.Close() }
