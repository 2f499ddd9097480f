// Package store persists finished assessments keyed by their deterministic
// identifier, plus the query aliases that resolve to them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"

	"github.com/mohammad-safakhou/sentinel/config"
)

// ErrNotFound is returned when an assessment or alias does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is wrapped by ValidateKey failures.
var ErrInvalidKey = errors.New("invalid key")

// Store is an assessment artifact store. Artifacts are opaque JSON bytes and
// are returned exactly as written.
type Store interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Put(ctx context.Context, id string, data []byte) error
	// List returns stored identifiers in ascending order.
	List(ctx context.Context) ([]string, error)
	GetAlias(ctx context.Context, alias string) (string, error)
	PutAlias(ctx context.Context, alias, id string) error
	Ping(ctx context.Context) error
	Close() error
}

var validKey = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateKey rejects identifiers that could escape a namespace (path
// separators, wildcards, whitespace).
func ValidateKey(key string) error {
	if len(key) > 200 || !validKey.MatchString(key) {
		return fmt.Errorf("%w %q", ErrInvalidKey, key)
	}
	return nil
}

// New opens the configured backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.File.DataDir, logger)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
