// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects which entrypoint the configuration is loaded for.
type Mode int

const (
	// ModeLambda runs behind API Gateway with DynamoDB and SSM.
	ModeLambda Mode = iota
	// ModeLocal runs the development server on SQLite.
	ModeLocal
)

// Config holds all application configuration.
type Config struct {
	Mode     Mode
	LogLevel slog.Level

	// Lambda
	StateTable  string
	ParamPrefix string

	// Local
	Port     string
	DBPath   string
	SeedPath string

	OpenAI   OpenAIConfig
	Weaviate WeaviateConfig
	Voice    VoiceConfig
}

type OpenAIConfig struct {
	// APIKey bypasses SSM when set.
	APIKey         string
	ChatModel      string
	EmbeddingModel string
}

type WeaviateConfig struct {
	Scheme string
	Host   string
	APIKey string
	Class  string
}

type VoiceConfig struct {
	// PublicBaseURL is the externally visible API root, used to recompute
	// webhook signatures.
	PublicBaseURL     string
	WebhookBaseURL    string
	CueBaseURL        string
	SayVoice          string
	SessionTTL        time.Duration
	GenerationTimeout time.Duration
	PersistTranscript bool
	// TwilioAuthToken bypasses SSM when set.
	TwilioAuthToken string
	// TwilioTokenParam names the SSM parameter holding the auth token. Empty
	// with no TwilioAuthToken leaves webhook signatures unchecked.
	TwilioTokenParam string
}

// Load reads configuration from environment variables.
func Load(mode Mode) (*Config, error) {
	publicBase := strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/")
	if mode == ModeLocal && publicBase == "" {
		publicBase = "http://localhost:" + getEnv("PORT", "8080")
	}

	cfg := &Config{
		Mode:        mode,
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		StateTable:  getEnv("STATE_TABLE", ""),
		ParamPrefix: getEnv("PARAM_PREFIX", ""),
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/nexus.db"),
		SeedPath:    getEnv("SEED_PATH", ""),
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			ChatModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Weaviate: WeaviateConfig{
			Scheme: getEnv("WEAVIATE_SCHEME", "http"),
			Host:   getEnv("WEAVIATE_HOST", "localhost:8081"),
			APIKey: getEnv("WEAVIATE_API_KEY", ""),
			Class:  getEnv("WEAVIATE_CLASS", "KnowledgeChunk"),
		},
		Voice: VoiceConfig{
			PublicBaseURL:     publicBase,
			WebhookBaseURL:    getEnv("VOICE_BASE_URL", publicBase+"/voice"),
			CueBaseURL:        getEnv("VOICE_CUE_BASE_URL", publicBase+"/static/cues"),
			SayVoice:          getEnv("VOICE_SAY_VOICE", "Polly.Joanna"),
			SessionTTL:        getEnvDuration("VOICE_SESSION_TTL", time.Hour),
			GenerationTimeout: getEnvDuration("VOICE_GENERATION_TIMEOUT", 8*time.Second),
			PersistTranscript: getEnvBool("VOICE_PERSIST_TRANSCRIPT", true),
			TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
			TwilioTokenParam:  getEnv("TWILIO_AUTH_TOKEN_PARAM", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLambda:
		if c.StateTable == "" {
			return fmt.Errorf("STATE_TABLE cannot be empty")
		}
		if c.ParamPrefix == "" {
			return fmt.Errorf("PARAM_PREFIX cannot be empty")
		}
		if c.Voice.PublicBaseURL == "" {
			return fmt.Errorf("PUBLIC_BASE_URL cannot be empty")
		}
	case ModeLocal:
		if c.Port == "" {
			return fmt.Errorf("PORT cannot be empty")
		}
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY cannot be empty")
		}
	default:
		return fmt.Errorf("unknown mode %d", c.Mode)
	}
	if c.OpenAI.ChatModel == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	if c.Weaviate.Host == "" {
		return fmt.Errorf("WEAVIATE_HOST cannot be empty")
	}
	if c.Voice.WebhookBaseURL == "" || c.Voice.WebhookBaseURL == "/voice" {
		return fmt.Errorf("VOICE_BASE_URL cannot be empty")
	}
	if c.Voice.SessionTTL <= 0 {
		return fmt.Errorf("VOICE_SESSION_TTL must be > 0")
	}
	if c.Voice.GenerationTimeout <= 0 {
		return fmt.Errorf("VOICE_GENERATION_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "persist":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or whole seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
