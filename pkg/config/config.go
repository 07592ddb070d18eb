// Package config loads inferflow settings from YAML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

// Config holds all inferflow configuration.
type Config struct {
	Models      ModelsConfig       `yaml:"models"`
	Embedding   embedding.Config   `yaml:"embedding"`
	VectorStore vectorstore.Config `yaml:"vector_store"`
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Flows       FlowsConfig        `yaml:"flows"`
	Retry       RetryConfig        `yaml:"retry"`
}

// ModelsConfig names the generative model used when a node sets none.
type ModelsConfig struct {
	Default string `yaml:"default"` // provider:model-name
}

// ServerConfig configures `inferflow serve`.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	InvokeTimeout string `yaml:"invoke_timeout"`
	BodyLimitMB   int    `yaml:"body_limit_mb"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`   // rotated with lumberjack when set
}

// TracingConfig configures OpenTelemetry export. Tracing is off when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// FlowsConfig points at extra pipeline definitions on disk.
type FlowsConfig struct {
	Dir string `yaml:"dir"`
}

// RetryConfig bounds retries of transient model and embedding failures.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{Default: "anthropic:claude-sonnet-4-6"},
		Embedding: embedding.Config{
			Provider:  "gemini",
			Normalize: true,
			CacheTTL:  10 * time.Minute,
		},
		VectorStore: vectorstore.Config{Backend: "memory"},
		Server: ServerConfig{
			Addr:          ":8080",
			InvokeTimeout: "120s",
			BodyLimitMB:   16,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{ServiceName: "inferflow"},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   "1s",
			MaxDelay:    "30s",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty
// and present), then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files (default ".env") without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"INFERFLOW_MODEL", &c.Models.Default},
		{"INFERFLOW_EMBEDDING_PROVIDER", &c.Embedding.Provider},
		{"INFERFLOW_EMBEDDING_MODEL", &c.Embedding.Model},
		{"INFERFLOW_EMBEDDING_ENDPOINT", &c.Embedding.Endpoint},
		{"INFERFLOW_VECTOR_BACKEND", &c.VectorStore.Backend},
		{"INFERFLOW_VECTOR_DSN", &c.VectorStore.DSN},
		{"INFERFLOW_ADDR", &c.Server.Addr},
		{"INFERFLOW_LOG_LEVEL", &c.Logging.Level},
		{"INFERFLOW_LOG_FORMAT", &c.Logging.Format},
		{"INFERFLOW_LOG_FILE", &c.Logging.File},
		{"INFERFLOW_FLOWS_DIR", &c.Flows.Dir},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint},
		{"OTEL_SERVICE_NAME", &c.Tracing.ServiceName},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// RetryPolicy converts the retry section into an llm.RetryPolicy.
func (c *Config) RetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   parseDuration(c.Retry.BaseDelay, time.Second),
		MaxDelay:    parseDuration(c.Retry.MaxDelay, 30*time.Second),
	}
}

// GetInvokeTimeout returns the per-request pipeline timeout for the server.
func (c *Config) GetInvokeTimeout() time.Duration {
	return parseDuration(c.Server.InvokeTimeout, 120*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.Models.Default != "" {
		if _, _, err := llm.ParseModelID(c.Models.Default); err != nil {
			problems = append(problems, fmt.Sprintf("models.default: %v", err))
		}
	}
	switch c.Embedding.Provider {
	case "gemini", "openai", "remote":
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider %q: use gemini, openai or remote", c.Embedding.Provider))
	}
	switch c.VectorStore.Backend {
	case "memory":
	case "sqlite", "pgvector", "postgres":
		if c.VectorStore.DSN == "" {
			problems = append(problems, fmt.Sprintf("vector_store.dsn is required for backend %q", c.VectorStore.Backend))
		}
	default:
		problems = append(problems, fmt.Sprintf("vector_store.backend %q: use memory, sqlite or pgvector", c.VectorStore.Backend))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q: use debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q: use text or json", c.Logging.Format))
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
