// Package config loads the recalld YAML configuration, expands environment
// variables and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Search   SearchConfig   `yaml:"search"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// GRPCAddr enables the gRPC health service when set.
	GRPCAddr string `yaml:"grpc_addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists allowed browser origins. Empty allows any.
	CORSOrigins []string `yaml:"cors_origins"`
}

func (c *ServerConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Store drivers.
const (
	DriverChromem  = "chromem"
	DriverPgVector = "pgvector"
)

// StoreConfig selects and configures the vector store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// Path is the chromem persistence directory. Empty keeps data in memory.
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`

	// DSN and Table configure the pgvector driver.
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

func (c *StoreConfig) defaults() {
	if c.Driver == "" {
		c.Driver = DriverChromem
	}
	if c.Path == "" && c.Driver == DriverChromem {
		c.Path = "./chroma_db"
	}
	if c.Collection == "" {
		c.Collection = "conversations"
	}
	if c.Table == "" {
		c.Table = c.Collection
	}
}

// Embedding providers.
const (
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
	ProviderONNX   = "onnx"
)

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Dimensions  int           `yaml:"dimensions"`
	Timeout     time.Duration `yaml:"timeout"`
	PullTimeout time.Duration `yaml:"pull_timeout"`

	// ChunkSize bounds concurrent requests in batch embedding.
	ChunkSize int `yaml:"chunk_size"`

	Cache CacheConfig `yaml:"cache"`
	ONNX  ONNXConfig  `yaml:"onnx"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// ONNXConfig configures the local ONNX provider.
type ONNXConfig struct {
	LibraryPath   string `yaml:"library_path"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	MaxTokens     int    `yaml:"max_tokens"`
}

func (c *EmbedderConfig) defaults() {
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 768
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Minute
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 64 << 20
	}
	if c.ONNX.MaxTokens <= 0 {
		c.ONNX.MaxTokens = 256
	}
}

// SearchConfig tunes search and retrieval.
type SearchConfig struct {
	// FailOpen answers failed searches with an empty degraded result.
	// Default: true
	FailOpen *bool `yaml:"fail_open"`

	DefaultTopK   int     `yaml:"default_top_k"`
	MaxTopK       int     `yaml:"max_top_k"`
	RetrieveTopK  int     `yaml:"retrieve_top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`

	// OnlyHelpful restricts retrieval to exchanges marked helpful.
	// Default: true
	OnlyHelpful *bool `yaml:"only_helpful"`
}

func (c *SearchConfig) defaults() {
	if c.FailOpen == nil {
		c.FailOpen = boolPtr(true)
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 100
	}
	if c.RetrieveTopK <= 0 {
		c.RetrieveTopK = 3
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.5
	}
	if c.OnlyHelpful == nil {
		c.OnlyHelpful = boolPtr(true)
	}
}

// EngineConfig configures the Claude responder used by "recalld chat".
type EngineConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	MaxTokens      int64  `yaml:"max_tokens"`
	SystemPrompt   string `yaml:"system_prompt"`
	ClassifyIntent bool   `yaml:"classify_intent"`

	// Memory toggles retrieval and recording around replies. Default: true
	Memory *bool `yaml:"memory"`
}

func (c *EngineConfig) defaults() {
	if c.Memory == nil {
		c.Memory = boolPtr(true)
	}
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

func (c *LogConfig) defaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// TracingConfig enables OTLP/HTTP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

func (c *TracingConfig) defaults() {
	if c.ServiceName == "" {
		c.ServiceName = "recalld"
	}
}

// Defaults fills zero values with sensible defaults.
func (c *Config) Defaults() {
	c.Server.defaults()
	c.Store.defaults()
	c.Embedder.defaults()
	c.Search.defaults()
	c.Engine.defaults()
	c.Log.defaults()
	c.Tracing.defaults()
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.Defaults()
	return &cfg
}

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Load reads a YAML configuration file, expands environment variables,
// parses it and applies defaults. It does not validate.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment variables in raw YAML and decodes it.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
// Returns an error listing all unresolved variables (no default, no env value).
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if hasDefault {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}

func boolPtr(b bool) *bool { return &b }
