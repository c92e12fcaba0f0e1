// Package config loads process configuration from the environment, an
// optional .env file and, for secrets, AWS SSM Parameter Store.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"mortgage-assistant/internal/integrations/paramstore"
)

type StoreBackend string

const (
	StoreFile     StoreBackend = "file"
	StoreDynamoDB StoreBackend = "dynamodb"
	StoreSQLite   StoreBackend = "sqlite"
)

type LLMProvider string

const (
	ProviderAnthropic     LLMProvider = "anthropic"
	ProviderAnthropicText LLMProvider = "anthropic_text"
	ProviderOpenAI        LLMProvider = "openai"
)

// Secret names under PARAM_PREFIX.
const (
	SecretAnthropicKey      = "anthropic-api-key"
	SecretOpenAIKey         = "openai-api-key"
	SecretAssemblyAIKey     = "assemblyai-api-key"
	SecretAdminPasswordHash = "admin-password-hash"
	SecretJWTSecret         = "jwt-secret"
)

type Config struct {
	Port        string   `env:"PORT" envDefault:"3000"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// Record store
	StoreBackend    StoreBackend `env:"STORE_BACKEND" envDefault:"file"`
	DataDir         string       `env:"DATA_DIR" envDefault:"data"`
	StateTable      string       `env:"STATE_TABLE"`
	SQLitePath      string       `env:"SQLITE_PATH" envDefault:"data/mortgage-assistant.db"`
	SerializeWrites bool         `env:"SERIALIZE_WRITES" envDefault:"false"`

	// Completion
	LLMProvider       LLMProvider   `env:"LLM_PROVIDER" envDefault:"anthropic"`
	LLMModel          string        `env:"LLM_MODEL"`
	AnthropicAPIKey   string        `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL  string        `env:"ANTHROPIC_BASE_URL"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL"`
	MaxTokens         int           `env:"MAX_TOKENS" envDefault:"1000"`
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"60s"`

	// Conversation
	WindowSize       int    `env:"WINDOW_SIZE" envDefault:"15"`
	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH" envDefault:"2000"`
	Company          string `env:"PERSONA_COMPANY" envDefault:"Secure Mortgage"`
	PersonaTemplate  string `env:"PERSONA_TEMPLATE"`

	// Transcription
	AssemblyAIAPIKey       string        `env:"ASSEMBLYAI_API_KEY"`
	TranscribePollInterval time.Duration `env:"TRANSCRIBE_POLL_INTERVAL" envDefault:"2s"`
	TranscribeMaxAttempts  int           `env:"TRANSCRIBE_MAX_ATTEMPTS" envDefault:"10"`

	// Admin
	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	JWTSecret         string        `env:"JWT_SECRET"`
	AdminTokenTTL     time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"12h"`

	// Secrets and logging
	ParamPrefix string `env:"PARAM_PREFIX"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile     string `env:"LOG_FILE"`
}

// Load reads .env (when present) and then the process environment.
// Variables already set in the environment win over .env entries.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFromMap parses configuration from environment instead of the process
// environment.
func LoadFromMap(environment map[string]string) (Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreFile:
		if strings.TrimSpace(c.DataDir) == "" {
			return errors.New("config: DATA_DIR is required for the file store")
		}
	case StoreDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LLMProvider {
	case ProviderAnthropic, ProviderAnthropicText, ProviderOpenAI:
	default:
		return fmt.Errorf("config: unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.WindowSize <= 0 {
		return errors.New("config: WINDOW_SIZE must be positive")
	}
	if c.MaxTokens <= 0 {
		return errors.New("config: MAX_TOKENS must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return errors.New("config: MAX_MESSAGE_LENGTH must be positive")
	}
	if c.CompletionTimeout <= 0 {
		return errors.New("config: COMPLETION_TIMEOUT must be positive")
	}
	if c.TranscribeMaxAttempts <= 0 {
		return errors.New("config: TRANSCRIBE_MAX_ATTEMPTS must be positive")
	}
	if c.TranscribePollInterval < 0 {
		return errors.New("config: TRANSCRIBE_POLL_INTERVAL must not be negative")
	}
	return nil
}

// SecretSource resolves a named secret. *paramstore.Secrets satisfies it.
type SecretSource interface {
	Token(ctx context.Context, secret string) (string, error)
}

// ResolveSecrets fills secret fields left empty by the environment. Secrets
// missing from the store are skipped; any other failure is returned.
func (c *Config) ResolveSecrets(ctx context.Context, src SecretSource) error {
	if src == nil {
		return nil
	}
	fields := []struct {
		name string
		dst  *string
	}{
		{SecretAnthropicKey, &c.AnthropicAPIKey},
		{SecretOpenAIKey, &c.OpenAIAPIKey},
		{SecretAssemblyAIKey, &c.AssemblyAIAPIKey},
		{SecretAdminPasswordHash, &c.AdminPasswordHash},
		{SecretJWTSecret, &c.JWTSecret},
	}
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		v, err := src.Token(ctx, f.name)
		if errors.Is(err, paramstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: resolve secret %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// ProviderAPIKey returns the key for the selected completion provider.
func (c Config) ProviderAPIKey() (string, error) {
	var key string
	switch c.LLMProvider {
	case ProviderAnthropic, ProviderAnthropicText:
		key = c.AnthropicAPIKey
	case ProviderOpenAI:
		key = c.OpenAIAPIKey
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("config: no API key configured for provider %q", c.LLMProvider)
	}
	return key, nil
}

// AdminEnabled reports whether the admin console can be served.
func (c Config) AdminEnabled() bool {
	return c.AdminPasswordHash != "" && c.JWTSecret != ""
}

func (c Config) Level() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
