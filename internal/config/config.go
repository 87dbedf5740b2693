package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mcpscheduler/internal/core"
)

// ServerConfig holds transport and listener settings.
type ServerConfig struct {
	Name      string
	Version   string
	Transport string // stdio, sse, http or both
	Addr      string
	AuthToken string
}

// AIConfig holds provider selection and per-provider credentials.
type AIConfig struct {
	Provider    string // openai, azure, anthropic or local
	Model       string
	MaxTokens   int
	Temperature float64

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIOrganization string

	AzureAPIKey   string
	AzureEndpoint string

	AnthropicAPIKey  string
	AnthropicBaseURL string

	LocalAPIKey  string
	LocalBaseURL string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server ServerConfig
	AI     AIConfig

	DBPath           string
	LogLevel         string
	CheckInterval    time.Duration
	ExecutionTimeout time.Duration
	HistoryKeep      int
	PushURL          string
	ShutdownGrace    time.Duration
}

const (
	defaultAddr             = "0.0.0.0:8080"
	defaultDBPath           = "scheduler.db"
	defaultLogLevel         = "info"
	defaultCheckInterval    = 5 * time.Second
	defaultExecutionTimeout = 300 * time.Second
	defaultHistoryKeep      = 100
	defaultShutdownGrace    = 5 * time.Second
)

// envPrefix matches the daemon's environment variable namespace.
const envPrefix = "MCP_SCHEDULER_"

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are treated as seconds, matching the original
		// MCP_SCHEDULER_CHECK_INTERVAL / EXECUTION_TIMEOUT convention.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// Parse builds the configuration. Priority: CLI flags > environment
// variables > .env file > defaults.
func Parse(version string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "mcp-scheduler", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Server: ServerConfig{
			Name:      getEnvString("SERVER_NAME", "mcp-scheduler"),
			Version:   version,
			Transport: getEnvString("TRANSPORT", "stdio"),
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		AI: AIConfig{
			Provider:    getEnvString("AI_PROVIDER", "openai"),
			Model:       getEnvString("AI_MODEL", "gpt-3.5-turbo"),
			MaxTokens:   getEnvInt("AI_MAX_TOKENS", 2000),
			Temperature: getEnvFloat("AI_TEMPERATURE", 0.7),

			OpenAIAPIKey:       getEnvString("OPENAI_API_KEY", ""),
			OpenAIBaseURL:      getEnvString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIOrganization: getEnvString("OPENAI_ORGANIZATION", ""),

			AzureAPIKey:   getEnvString("AZURE_OPENAI_API_KEY", ""),
			AzureEndpoint: getEnvString("AZURE_OPENAI_ENDPOINT", ""),

			AnthropicAPIKey:  getEnvString("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnvString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),

			LocalAPIKey:  getEnvString("LOCAL_MODEL_API_KEY", "ollama"),
			LocalBaseURL: getEnvString("LOCAL_MODEL_BASE_URL", "http://localhost:11434/v1"),
		},
		DBPath:           getEnvString("DB_PATH", defaultDBPath),
		LogLevel:         getEnvString("LOG_LEVEL", defaultLogLevel),
		CheckInterval:    getEnvDuration("CHECK_INTERVAL", defaultCheckInterval),
		ExecutionTimeout: getEnvDuration("EXECUTION_TIMEOUT", defaultExecutionTimeout),
		HistoryKeep:      getEnvInt("HISTORY_KEEP", defaultHistoryKeep),
		PushURL:          getEnvString("PUSH_URL", ""),
		ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var transport, addr, dbPath, logLevel, aiProvider, aiModel string
	var checkInterval, executionTimeout time.Duration
	var historyKeep int

	flag.StringVar(&transport, "transport", "", "Transport: stdio, sse, http or both (overrides env)")
	flag.StringVar(&addr, "addr", "", "Listen address for sse/http transports (overrides env)")
	flag.StringVar(&dbPath, "db-path", "", "Path to the SQLite database file")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.DurationVar(&checkInterval, "check-interval", 0, "Due-task scan interval")
	flag.DurationVar(&executionTimeout, "execution-timeout", 0, "Per-execution timeout")
	flag.IntVar(&historyKeep, "history-keep", 0, "Execution records retained per task")
	flag.StringVar(&aiProvider, "ai-provider", "", "AI provider: openai, azure, anthropic or local")
	flag.StringVar(&aiModel, "ai-model", "", "AI model name")

	flag.Parse()

	if transport != "" {
		cfg.Server.Transport = transport
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if checkInterval > 0 {
		cfg.CheckInterval = checkInterval
	}
	if executionTimeout > 0 {
		cfg.ExecutionTimeout = executionTimeout
	}
	if historyKeep > 0 {
		cfg.HistoryKeep = historyKeep
	}
	if aiProvider != "" {
		cfg.AI.Provider = aiProvider
	}
	if aiModel != "" {
		cfg.AI.Model = aiModel
	}

	switch cfg.Server.Transport {
	case "stdio", "sse", "http", "both":
	default:
		return nil, fmt.Errorf("invalid transport %q (want stdio, sse, http or both)", cfg.Server.Transport)
	}
	if cfg.HistoryKeep < 1 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	return cfg, nil
}

// AIOptions resolves the configured provider's credentials into executor
// options. An empty APIKey means AI tasks fail fast without network I/O.
func (c *Config) AIOptions() core.AIOptions {
	opts := core.AIOptions{
		Provider:    strings.ToLower(c.AI.Provider),
		Model:       c.AI.Model,
		MaxTokens:   c.AI.MaxTokens,
		Temperature: float32(c.AI.Temperature),
	}
	switch opts.Provider {
	case "openai":
		opts.APIKey = c.AI.OpenAIAPIKey
		opts.BaseURL = c.AI.OpenAIBaseURL
		opts.Organization = c.AI.OpenAIOrganization
	case "azure":
		opts.APIKey = c.AI.AzureAPIKey
		opts.BaseURL = c.AI.AzureEndpoint
	case "anthropic":
		opts.APIKey = c.AI.AnthropicAPIKey
		opts.BaseURL = c.AI.AnthropicBaseURL
	case "local":
		opts.APIKey = c.AI.LocalAPIKey
		opts.BaseURL = c.AI.LocalBaseURL
	}
	return opts
}
