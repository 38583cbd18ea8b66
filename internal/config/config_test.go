package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_LambdaDefaults(t *testing.T) {
	t.Setenv("STATE_TABLE", "nexus-state")
	t.Setenv("PARAM_PREFIX", "/nexus-agent")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com/")

	cfg, err := Load(ModeLambda)
	require.NoError(t, err)
	require.Equal(t, "nexus-state", cfg.StateTable)
	require.Equal(t, "https://api.example.com/voice", cfg.Voice.WebhookBaseURL)
	require.Equal(t, "https://api.example.com/static/cues", cfg.Voice.CueBaseURL)
	require.Equal(t, time.Hour, cfg.Voice.SessionTTL)
	require.Equal(t, 8*time.Second, cfg.Voice.GenerationTimeout)
	require.True(t, cfg.Voice.PersistTranscript)
	require.Equal(t, "KnowledgeChunk", cfg.Weaviate.Class)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Empty(t, cfg.Voice.TwilioTokenParam)
}

func TestLoad_TwilioTokenParam(t *testing.T) {
	t.Setenv("STATE_TABLE", "nexus-state")
	t.Setenv("PARAM_PREFIX", "/nexus-agent")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com")
	t.Setenv("TWILIO_AUTH_TOKEN_PARAM", "/nexus-agent/twilio-auth-token")

	cfg, err := Load(ModeLambda)
	require.NoError(t, err)
	require.Equal(t, "/nexus-agent/twilio-auth-token", cfg.Voice.TwilioTokenParam)
	require.Empty(t, cfg.Voice.TwilioAuthToken)
}

func TestLoad_LambdaRequiresTable(t *testing.T) {
	t.Setenv("STATE_TABLE", "")
	t.Setenv("PARAM_PREFIX", "/nexus-agent")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com")

	_, err := Load(ModeLambda)
	require.ErrorContains(t, err, "STATE_TABLE")
}

func TestLoad_LocalOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-local")
	t.Setenv("PORT", "9090")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("VOICE_SESSION_TTL", "90")
	t.Setenv("VOICE_GENERATION_TIMEOUT", "2500ms")
	t.Setenv("VOICE_PERSIST_TRANSCRIPT", "off")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(ModeLocal)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9090/voice", cfg.Voice.WebhookBaseURL)
	require.Equal(t, 90*time.Second, cfg.Voice.SessionTTL)
	require.Equal(t, 2500*time.Millisecond, cfg.Voice.GenerationTimeout)
	require.False(t, cfg.Voice.PersistTranscript)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Mode:   ModeLocal,
			Port:   "8080",
			DBPath: "./x.db",
			OpenAI: OpenAIConfig{APIKey: "k", ChatModel: "m"},
			Weaviate: WeaviateConfig{
				Host: "localhost:8081",
			},
			Voice: VoiceConfig{
				WebhookBaseURL:    "http://localhost:8080/voice",
				SessionTTL:        time.Hour,
				GenerationTimeout: time.Second,
			},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"PORT":                     func(c *Config) { c.Port = "" },
		"OPENAI_API_KEY":           func(c *Config) { c.OpenAI.APIKey = "" },
		"WEAVIATE_HOST":            func(c *Config) { c.Weaviate.Host = "" },
		"VOICE_SESSION_TTL":        func(c *Config) { c.Voice.SessionTTL = 0 },
		"VOICE_GENERATION_TIMEOUT": func(c *Config) { c.Voice.GenerationTimeout = -time.Second },
		"unknown mode":             func(c *Config) { c.Mode = Mode(7) },
	}
	for want, mutate := range cases {
		c := base()
		mutate(c)
		require.ErrorContains(t, c.Validate(), want)
	}
}
