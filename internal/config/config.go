package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Config holds all configuration for the DaemonChat server.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	DataDir   string          `yaml:"data_dir"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	// URL selects PostgreSQL. When empty the in-memory store is used.
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// EmbeddingDimensions is the width of the pgvector column.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

type LLMConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	EmbedModel string `yaml:"embed_model"`
}

type ChatConfig struct {
	SystemPrompt string               `yaml:"system_prompt"`
	Budget       models.ContextBudget `yaml:"budget"`
	// Tokenizer is approx, cl100k_base or o200k_base.
	Tokenizer string `yaml:"tokenizer"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`
	// SampleRatio is the fraction of root traces kept, 0 through 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

type AuthConfig struct {
	// APIKeys enables key checking on /api/v1 when non-empty.
	APIKeys []string `yaml:"api_keys"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:    8080,
		Version: "0.1.0",
		Database: DatabaseConfig{
			MaxConnections:      10,
			ConnectTimeout:      30 * time.Second,
			EmbeddingDimensions: 1536,
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Chat: ChatConfig{
			SystemPrompt: "You are a helpful AI assistant.",
			Budget:       models.DefaultContextBudget(),
			Tokenizer:    "approx",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "daemonchat",
			Insecure:     true,
			SampleRatio:  1,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// (with ${VAR} expansion) and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("DAEMONCHAT_PORT", cfg.Port)
	cfg.Version = envStr("DAEMONCHAT_VERSION", cfg.Version)
	cfg.DataDir = envStr("DAEMONCHAT_DATA_DIR", cfg.DataDir)

	cfg.Database.URL = envStr("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = envInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)
	cfg.Database.ConnectTimeout = envDuration("DATABASE_CONNECT_TIMEOUT", cfg.Database.ConnectTimeout)
	cfg.Database.EmbeddingDimensions = envInt("EMBEDDING_DIMENSIONS", cfg.Database.EmbeddingDimensions)

	cfg.LLM.APIKey = envStr("OPENAI_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = envStr("OPENAI_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = envStr("OPENAI_MODEL", cfg.LLM.Model)
	cfg.LLM.EmbedModel = envStr("OPENAI_EMBED_MODEL", cfg.LLM.EmbedModel)

	b := &cfg.Chat.Budget
	b.ModelWindow = envInt("MODEL_CONTEXT_WINDOW", b.ModelWindow)
	b.ReserveOutputTokens = envInt("RESERVE_OUTPUT_TOKENS", b.ReserveOutputTokens)
	b.ReserveToolTokens = envInt("RESERVE_TOOL_TOKENS", b.ReserveToolTokens)
	b.MemoryTopK = envInt("MEMORY_TOPK", b.MemoryTopK)
	b.RecentMessages = envInt("RECENT_MESSAGES", b.RecentMessages)
	cfg.Chat.SystemPrompt = envStr("DEFAULT_SYSTEM_PROMPT", cfg.Chat.SystemPrompt)
	cfg.Chat.Tokenizer = envStr("TOKENIZER", cfg.Chat.Tokenizer)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Insecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.Telemetry.SampleRatio)

	cfg.Auth.APIKeys = envList("DAEMONCHAT_API_KEYS", cfg.Auth.APIKeys)

	cfg.Log.Level = envStr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envStr("LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects budgets that can never hold a prompt.
func (c *Config) Validate() error {
	b := c.Chat.Budget
	if b.ModelWindow <= 0 {
		return fmt.Errorf("chat budget: model window must be positive, got %d", b.ModelWindow)
	}
	if b.ReserveOutputTokens < 0 || b.ReserveToolTokens < 0 || b.MemoryTopK < 0 || b.RecentMessages < 0 {
		return fmt.Errorf("chat budget: reserves and limits must not be negative")
	}
	if b.MaxContextTokens() <= 0 {
		return fmt.Errorf("chat budget: reserves (%d + %d) leave no room in a %d token window",
			b.ReserveOutputTokens, b.ReserveToolTokens, b.ModelWindow)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: sample ratio must be between 0 and 1, got %v", r)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
