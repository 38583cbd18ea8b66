// Package app assembles the conversation core behind the HTTP handler. Both
// entrypoints share it; only the storage backend and secret sources differ.
package app

import (
	"context"
	"fmt"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"

	"nexus-agent/handler"
	"nexus-agent/internal/config"
	"nexus-agent/internal/integrations/openai"
	"nexus-agent/internal/retrieval"
	"nexus-agent/internal/usecase"
	"nexus-agent/internal/voice"
)

// Store is everything the core persists. The DynamoDB client and the SQLite
// store both satisfy it.
type Store interface {
	usecase.MessageStore
	usecase.Directory
	usecase.EscalationStore
	voice.SessionStore
	voice.Directory
}

// Metrics is the union of the counters the core reports. Nil disables them.
type Metrics interface {
	usecase.Metrics
	voice.Metrics
}

type Deps struct {
	Config  *config.Config
	Store   Store
	LLM     *openai.Client
	Metrics Metrics
	Log     *slog.Logger
}

// Build wires retrieval, generation, the turn router and the voice engine.
func Build(ctx context.Context, d Deps, opts ...handler.Option) (*handler.Handler, error) {
	cfg := d.Config

	// The embeddings client shares the chat client's key and endpoint.
	apiKey, err := d.LLM.APIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve openai key: %w", err)
	}
	embedCfg := goopenai.DefaultConfig(apiKey)
	embedCfg.BaseURL = d.LLM.BaseURL()
	embedder, err := retrieval.NewOpenAIEmbedder(goopenai.NewClientWithConfig(embedCfg), cfg.OpenAI.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	wv, err := retrieval.NewWeaviateClient(cfg.Weaviate.Scheme, cfg.Weaviate.Host, cfg.Weaviate.APIKey)
	if err != nil {
		return nil, err
	}
	searcher, err := retrieval.NewWeaviateSearcher(wv, cfg.Weaviate.Class)
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.New(embedder, searcher, d.Log)
	if err != nil {
		return nil, err
	}

	var (
		ucMetrics    usecase.Metrics
		voiceMetrics voice.Metrics
	)
	if d.Metrics != nil {
		ucMetrics, voiceMetrics = d.Metrics, d.Metrics
	}

	gen, err := usecase.NewResponseGenerator(d.LLM, cfg.OpenAI.ChatModel)
	if err != nil {
		return nil, err
	}
	tracker, err := usecase.NewTracker(d.Store, d.Log, ucMetrics)
	if err != nil {
		return nil, err
	}
	router, err := usecase.NewRouter(d.Store, d.Store, tracker, retriever, gen, d.Log, ucMetrics)
	if err != nil {
		return nil, err
	}

	policy := voice.TranscriptPersist
	if !cfg.Voice.PersistTranscript {
		policy = voice.TranscriptOff
	}
	engine, err := voice.New(voice.Config{
		BaseURL:           cfg.Voice.WebhookBaseURL,
		CueBaseURL:        cfg.Voice.CueBaseURL,
		SayVoice:          cfg.Voice.SayVoice,
		SessionTTL:        cfg.Voice.SessionTTL,
		GenerationTimeout: cfg.Voice.GenerationTimeout,
		Transcript:        policy,
	}, d.Store, d.Store, d.Store, retriever, gen, d.Log, voiceMetrics)
	if err != nil {
		return nil, err
	}

	opts = append([]handler.Option{
		handler.WithPublicBaseURL(cfg.Voice.PublicBaseURL),
		handler.WithLogger(d.Log),
	}, opts...)
	return handler.NewHandler(router, engine, opts...)
}
