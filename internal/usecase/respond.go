package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"nexus-agent/internal/domain"
)

// LLMClient is the generation capability: one synchronous call per turn.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatJSON(ctx context.Context, model string, messages []domain.ChatMessage, schema domain.JSONSchema) (string, error)
}

// ResponseGenerator assembles the system instruction for an agent turn and
// makes exactly one generation call. It never retries.
type ResponseGenerator struct {
	llm   LLMClient
	model string
}

func NewResponseGenerator(llm LLMClient, model string) (*ResponseGenerator, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	return &ResponseGenerator{llm: llm, model: model}, nil
}

// Generate produces the text reply for a chat turn.
func (g *ResponseGenerator) Generate(ctx context.Context, agent domain.Agent, passages []domain.Passage, history []domain.Message, query string) (string, error) {
	instruction := buildChatInstruction(chatPromptInput{
		agentName: agent.Name,
		passages:  passages,
		history:   history,
		query:     query,
	})
	raw, err := g.llm.Chat(ctx, g.model, []domain.ChatMessage{
		{Role: "system", Content: instruction},
		{Role: "user", Content: strings.TrimSpace(query)},
	})
	if err != nil {
		return "", generationError(err)
	}
	reply := strings.TrimSpace(raw)
	if reply == "" {
		return "", newError(ErrorGenerationFailed, "empty_generation", nil)
	}
	return reply, nil
}

// VoiceTurn is the input for one spoken exchange.
type VoiceTurn struct {
	Agent     domain.Agent
	Passages  []domain.Passage
	Turns     []domain.CallTurn
	Utterance string
	Caller    CallerHints
}

// Decide produces the spoken reply for a voice turn together with the
// end-call and transfer flags that drive the call state machine.
func (g *ResponseGenerator) Decide(ctx context.Context, in VoiceTurn) (VoiceDecision, error) {
	instruction := buildVoiceInstruction(voicePromptInput{
		agentType: in.Agent.Type,
		agentName: in.Agent.Name,
		passages:  in.Passages,
		turns:     in.Turns,
		utterance: in.Utterance,
		caller:    in.Caller,
	})
	raw, err := g.llm.ChatJSON(ctx, g.model, []domain.ChatMessage{
		{Role: "system", Content: instruction},
		{Role: "user", Content: strings.TrimSpace(in.Utterance)},
	}, voiceDecisionSchema)
	if err != nil {
		return VoiceDecision{}, generationError(err)
	}
	decision, err := parseVoiceDecision(raw)
	if err != nil {
		return VoiceDecision{}, newError(ErrorGenerationFailed, "malformed_voice_decision", err)
	}
	return decision, nil
}

func generationError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrorGenerationFailed, "generation_deadline", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, "generation_rate_limited", err)
	}
	return newError(ErrorGenerationFailed, "generation_error", err)
}
