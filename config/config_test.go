package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"agents": {"max_concurrent_agents": 3, "max_steps": {"cve": 2}},
		"sources": {"web_search": {"top_k": 40, "exclude_domains": ["Reddit.com", "reddit.com", " "]}},
		"storage": {"backend": "file", "file": {"data_dir": "` + filepath.ToSlash(dir) + `"}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents.MaxConcurrentAgents != 3 {
		t.Fatalf("expected override of max_concurrent_agents, got %d", cfg.Agents.MaxConcurrentAgents)
	}
	if cfg.Agents.MaxSteps["cve"] != 2 {
		t.Fatalf("expected max_steps.cve=2, got %v", cfg.Agents.MaxSteps)
	}
	if cfg.Agents.AgentTimeout != 4*time.Minute {
		t.Fatalf("expected default agent timeout, got %s", cfg.Agents.AgentTimeout)
	}
	if cfg.Sources.WebSearch.TopK != 10 {
		t.Fatalf("expected top_k clamped to 10, got %d", cfg.Sources.WebSearch.TopK)
	}
	if got := cfg.Sources.WebSearch.ExcludeDomains; len(got) != 1 || got[0] != "reddit.com" {
		t.Fatalf("unexpected exclude domains: %#v", got)
	}
	if cfg.Sources.NVD.PageDelay != 500*time.Millisecond {
		t.Fatalf("unexpected nvd page delay: %s", cfg.Sources.NVD.PageDelay)
	}
	if cfg.LLM.Routing.Model("research") != "gpt-4o-mini" {
		t.Fatalf("expected research routing to fall back, got %q", cfg.LLM.Routing.Model("research"))
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestStorageValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{"file ok", StorageConfig{Backend: "file", File: FileConfig{DataDir: "/tmp"}}, false},
		{"file missing dir", StorageConfig{Backend: "file"}, true},
		{"redis ok", StorageConfig{Backend: "redis", Redis: RedisConfig{Host: "h", Port: "6379"}}, false},
		{"redis missing port", StorageConfig{Backend: "redis", Redis: RedisConfig{Host: "h"}}, true},
		{"postgres url", StorageConfig{Backend: "postgres", Postgres: PostgresConfig{URL: "postgres://x"}}, false},
		{"postgres missing db", StorageConfig{Backend: "postgres", Postgres: PostgresConfig{Host: "h"}}, true},
		{"unknown backend", StorageConfig{Backend: "s3"}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLLMValidateRouting(t *testing.T) {
	t.Parallel()
	cfg := LLMConfig{
		Providers: map[string]LLMProvider{
			"openai": {Type: "openai", Models: map[string]LLMModel{"small": {Name: "small"}}},
		},
		Routing: LLMRoutingConfig{Provider: "openai", Fallback: "small"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Routing.Synthesis = "large"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for undeclared synthesis model")
	}
	cfg.Routing = LLMRoutingConfig{Provider: "missing", Fallback: "small"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for undeclared provider")
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "sentinel"}
	want := "postgres://u:p@db:5432/sentinel?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
	p.URL = "postgres://override"
	if got := p.DSN(); got != "postgres://override" {
		t.Fatalf("expected URL to win, got %q", got)
	}
}
