package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assessment pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug       bool   `mapstructure:"debug"`
	PromptsFile string `mapstructure:"prompts_file"` // optional YAML override for the built-in prompt library
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai (any chat-completions compatible endpoint)
	APIKey     string              `mapstructure:"api_key"`
	APIKeyEnv  string              `mapstructure:"api_key_env"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves which kind of stage
type LLMRoutingConfig struct {
	Provider  string `mapstructure:"provider"`
	Research  string `mapstructure:"research"`  // tool-using research stages
	Synthesis string `mapstructure:"synthesis"` // architecture and summary
	Fallback  string `mapstructure:"fallback"`
}

// Model returns the routed model key for a stage kind, falling back when unset.
func (r LLMRoutingConfig) Model(kind string) string {
	switch kind {
	case "research":
		if r.Research != "" {
			return r.Research
		}
	case "synthesis":
		if r.Synthesis != "" {
			return r.Synthesis
		}
	}
	return r.Fallback
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must declare at least one provider")
	}
	name := l.Routing.Provider
	if name == "" {
		return nil
	}
	p, ok := l.Providers[name]
	if !ok {
		return fmt.Errorf("llm.routing.provider %q is not declared", name)
	}
	for _, kind := range []string{"research", "synthesis"} {
		m := l.Routing.Model(kind)
		if m == "" {
			return fmt.Errorf("llm.routing.%s (or fallback) is required", kind)
		}
		if _, ok := p.Models[m]; !ok {
			return fmt.Errorf("llm.routing.%s model %q not declared for provider %q", kind, m, name)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // traces are exported only when set
}

// AgentsConfig contains research agent settings
type AgentsConfig struct {
	MaxConcurrentAgents int            `mapstructure:"max_concurrent_agents"`
	AgentTimeout        time.Duration  `mapstructure:"agent_timeout"`
	RunTimeout          time.Duration  `mapstructure:"run_timeout"`
	Temperature         float64        `mapstructure:"temperature"`
	MaxSteps            map[string]int `mapstructure:"max_steps"`
}

func (a AgentsConfig) Validate() error {
	if a.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("agents.max_concurrent_agents must be > 0")
	}
	if a.AgentTimeout <= 0 {
		return fmt.Errorf("agents.agent_timeout must be > 0")
	}
	if a.RunTimeout > 0 && a.RunTimeout < a.AgentTimeout {
		return fmt.Errorf("agents.run_timeout must not be shorter than agents.agent_timeout")
	}
	for k, v := range a.MaxSteps {
		if v <= 0 {
			return fmt.Errorf("agents.max_steps.%s must be > 0", k)
		}
	}
	return nil
}

// SourcesConfig contains external data source configurations
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	NVD       NVDConfig       `mapstructure:"nvd"`
}

// WebSearchConfig contains web search and scraping settings
type WebSearchConfig struct {
	SerpAPIKey       string        `mapstructure:"serpapi_api_key"`
	SerperAPIKey     string        `mapstructure:"serper_api_key"`
	TopK             int           `mapstructure:"top_k"`
	MinChars         int           `mapstructure:"min_chars"`
	MaxPageChars     int           `mapstructure:"max_page_chars"`
	MaxTotalChars    int           `mapstructure:"max_total_chars"`
	ExcludeDomains   []string      `mapstructure:"exclude_domains"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	RenderJS         bool          `mapstructure:"render_js"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// Normalize lowercases domain filters and clamps budgets into their accepted ranges.
func (w WebSearchConfig) Normalize() WebSearchConfig {
	out := w
	seen := make(map[string]struct{}, len(w.ExcludeDomains))
	out.ExcludeDomains = out.ExcludeDomains[:0:0]
	for _, d := range w.ExcludeDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out.ExcludeDomains = append(out.ExcludeDomains, d)
	}
	if out.TopK < 1 {
		out.TopK = 1
	}
	if out.TopK > 10 {
		out.TopK = 10
	}
	if out.MinChars < 0 {
		out.MinChars = 0
	}
	if out.FetchConcurrency <= 0 {
		out.FetchConcurrency = 4
	}
	return out
}

func (w WebSearchConfig) Validate() error {
	if w.MaxPageChars <= 0 {
		return fmt.Errorf("sources.web_search.max_page_chars must be > 0")
	}
	if w.MaxTotalChars < w.MaxPageChars {
		return fmt.Errorf("sources.web_search.max_total_chars must be >= max_page_chars")
	}
	return nil
}

// NVDConfig contains NVD CVE API settings
type NVDConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PageDelay      time.Duration `mapstructure:"page_delay"`
	ResultsPerPage int           `mapstructure:"results_per_page"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxResults     int           `mapstructure:"max_results"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ScoringConfig holds trust score category weights; empty means equal weights.
type ScoringConfig struct {
	Weights map[string]float64 `mapstructure:"weights"`
}

func (s ScoringConfig) Validate() error {
	for k, v := range s.Weights {
		if v < 0 {
			return fmt.Errorf("scoring.weights.%s must not be negative", k)
		}
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"` // file, redis or postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	File     FileConfig     `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Backend {
	case "file":
		if strings.TrimSpace(s.File.DataDir) == "" {
			return fmt.Errorf("storage.file.data_dir required")
		}
		return nil
	case "redis":
		return s.Redis.Validate()
	case "postgres":
		return s.Postgres.Validate()
	default:
		return fmt.Errorf("storage.backend must be one of file, redis, postgres (got %q)", s.Backend)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"` // zero keeps artifacts forever
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// DefaultExcludeDomains are hosts that rarely carry first-party vendor documentation.
var DefaultExcludeDomains = []string{
	"twitter.com", "x.com", "facebook.com", "linkedin.com",
	"youtube.com", "play.google.com", "apps.apple.com",
	"github.com", "medium.com", "reddit.com", "producthunt.com",
	"g2.com", "capterra.com", "getapp.com", "wikipedia.org",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("llm.providers", map[string]any{
		"openai": map[string]any{
			"type":        "openai",
			"api_key_env": "OPENAI_API_KEY",
			"base_url":    "https://api.openai.com/v1",
			"max_retries": 2,
			"timeout":     "90s",
			"models": map[string]any{
				"gpt-4o-mini": map[string]any{
					"name":               "gpt-4o-mini",
					"max_tokens":         4096,
					"temperature":        0.2,
					"cost_per_1k_input":  0.00015,
					"cost_per_1k_output": 0.0006,
				},
			},
		},
	})
	v.SetDefault("llm.routing.provider", "openai")
	v.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("telemetry.otlp_endpoint", "")

	v.SetDefault("agents.max_concurrent_agents", 7)
	v.SetDefault("agents.agent_timeout", "4m")
	v.SetDefault("agents.run_timeout", "12m")
	v.SetDefault("agents.temperature", 0.2)

	v.SetDefault("sources.web_search.top_k", 3)
	v.SetDefault("sources.web_search.min_chars", 200)
	v.SetDefault("sources.web_search.max_page_chars", 6000)
	v.SetDefault("sources.web_search.max_total_chars", 18000)
	v.SetDefault("sources.web_search.exclude_domains", DefaultExcludeDomains)
	v.SetDefault("sources.web_search.timeout", "12s")
	v.SetDefault("sources.web_search.fetch_concurrency", 4)
	v.SetDefault("sources.web_search.user_agent", "Mozilla/5.0 (compatible; sentinel/1.0)")

	v.SetDefault("sources.nvd.base_url", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("sources.nvd.max_retries", 5)
	v.SetDefault("sources.nvd.page_delay", "500ms")
	v.SetDefault("sources.nvd.results_per_page", 20)
	v.SetDefault("sources.nvd.max_pages", 1)
	v.SetDefault("sources.nvd.max_results", 20)
	v.SetDefault("sources.nvd.timeout", "30s")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.file.data_dir", "./data")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.redis.key_prefix", "sentinel")
	v.SetDefault("storage.postgres.timeout", "10s")
}

// Load reads configuration from path (or the default search paths) and the
// SENTINEL_* environment. A missing config file is tolerated when no explicit
// path is given.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Sources.WebSearch = cfg.Sources.WebSearch.Normalize()

	validators := []func() error{
		cfg.LLM.Validate,
		cfg.Agents.Validate,
		cfg.Sources.WebSearch.Validate,
		cfg.Scoring.Validate,
		cfg.Storage.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadConfig is Load for command entry points: configuration errors are fatal.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
