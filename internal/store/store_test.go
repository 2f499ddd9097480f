package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing_vendor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
	doc := []byte("{\n  \"id\": \"bitwarden_bitwarden-inc\"\n}")
	if err := s.Put(ctx, "bitwarden_bitwarden-inc", doc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "1password_agilebits", []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "bitwarden_bitwarden-inc")
	if err != nil || string(got) != string(doc) {
		t.Fatalf("Get = %q, %v", got, err)
	}
	ids, err := s.List(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "1password_agilebits" {
		t.Fatalf("List = %v, %v", ids, err)
	}

	if _, err := s.GetAlias(ctx, "bitwarden"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAlias missing: %v", err)
	}
	if err := s.PutAlias(ctx, "bitwarden", "bitwarden_bitwarden-inc"); err != nil {
		t.Fatalf("PutAlias: %v", err)
	}
	if id, err := s.GetAlias(ctx, "bitwarden"); err != nil || id != "bitwarden_bitwarden-inc" {
		t.Fatalf("GetAlias = %q, %v", id, err)
	}

	if err := s.Put(ctx, "../etc/passwd", doc); err == nil {
		t.Fatalf("expected key validation error")
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, quiet())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, "bitwarden_bitwarden-inc.json")); err != nil {
		t.Fatalf("artifact file: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestValidateKey(t *testing.T) {
	for _, k := range []string{"", "A_b", "a/b", "a b", "*", "-lead"} {
		if ValidateKey(k) == nil {
			t.Fatalf("ValidateKey(%q) accepted", k)
		}
	}
	for _, k := range []string{"a", "slack_salesforce", "1password_agilebits-inc"} {
		if err := ValidateKey(k); err != nil {
			t.Fatalf("ValidateKey(%q): %v", k, err)
		}
	}
}

func TestPostgresStoreQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreWithDB(db, time.Second, quiet())
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assessments (id, document, created_at, updated_at)")).
		WithArgs("slack_salesforce", []byte(`{"id":"slack_salesforce"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Put(ctx, "slack_salesforce", []byte(`{"id":"slack_salesforce"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM assessments WHERE id = $1")).
		WithArgs("slack_salesforce").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow([]byte(`{"id":"slack_salesforce"}`)))
	if got, err := s.Get(ctx, "slack_salesforce"); err != nil || string(got) != `{"id":"slack_salesforce"}` {
		t.Fatalf("Get = %s, %v", got, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM assessments WHERE id = $1")).
		WithArgs("nope_nope").
		WillReturnError(sql.ErrNoRows)
	if _, err := s.Get(ctx, "nope_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM assessments ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a_b").AddRow("slack_salesforce"))
	if ids, err := s.List(ctx); err != nil || len(ids) != 2 {
		t.Fatalf("List = %v, %v", ids, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assessment_aliases (alias, assessment_id)")).
		WithArgs("slack", "slack_salesforce").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.PutAlias(ctx, "slack", "slack_salesforce"); err != nil {
		t.Fatalf("PutAlias: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) (string, string) {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("container %s unavailable: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, mapped.Port()
}

func TestRedisStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	host, port := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}, "6379/tcp")

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port)})
	s := NewRedisStoreWithClient(client, "sentinel-test", 0, quiet())
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	host, port := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "sentinel",
			"POSTGRES_PASSWORD": "sentinel",
			"POSTGRES_DB":       "sentinel",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")

	dsn := fmt.Sprintf("postgres://sentinel:sentinel@%s:%s/sentinel?sslmode=disable", host, port)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	up, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_assessments.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(up)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	s := NewPostgresStoreWithDB(db, 5*time.Second, quiet())
	defer s.Close()
	exerciseStore(t, s)
}
