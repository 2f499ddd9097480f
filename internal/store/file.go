package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const aliasFile = "aliases.json"

// FileStore keeps one <id>.json file per assessment and an aliases.json index
// in a data directory.
type FileStore struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
}

func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store: data dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) Put(_ context.Context, id string, data []byte) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path(id), data); err != nil {
		return fmt.Errorf("file store: write %s: %w", id, err)
	}
	s.logger.Printf("stored assessment %s (%d bytes)", id, len(data))
	return nil
}

func (s *FileStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == aliasFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) GetAlias(_ context.Context, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aliases, err := s.readAliases()
	if err != nil {
		return "", err
	}
	id, ok := aliases[alias]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *FileStore) PutAlias(_ context.Context, alias, id string) error {
	if err := ValidateKey(alias); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aliases, err := s.readAliases()
	if err != nil {
		return err
	}
	aliases[alias] = id
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, aliasFile), data)
}

func (s *FileStore) readAliases() (map[string]string, error) {
	aliases := map[string]string{}
	data, err := os.ReadFile(filepath.Join(s.dir, aliasFile))
	if errors.Is(err, fs.ErrNotExist) {
		return aliases, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("file store: corrupt %s: %w", aliasFile, err)
	}
	return aliases, nil
}

func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
