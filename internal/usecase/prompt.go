package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"nexus-agent/internal/domain"
)

const (
	historyTurns     = 5
	defaultAgentName = "Nexus"
)

type chatPromptInput struct {
	agentName string
	passages  []domain.Passage
	history   []domain.Message
	query     string
}

type voicePromptInput struct {
	agentType domain.AgentType
	agentName string
	passages  []domain.Passage
	turns     []domain.CallTurn
	utterance string
	caller    CallerHints
}

// CallerHints carries the geographic hints the telephony provider sends.
type CallerHints struct {
	State   string
	Country string
	Zip     string
}

// VoiceDecision is the structured reply a voice turn produces.
type VoiceDecision struct {
	Reply    string `json:"reply"`
	EndCall  bool   `json:"end_call"`
	Transfer bool   `json:"transfer"`
}

var voiceDecisionSchema = domain.JSONSchema{
	Name: "voice_decision",
	Schema: json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"reply":{"type":"string"},
			"end_call":{"type":"boolean"},
			"transfer":{"type":"boolean"}
		},
		"required":["reply","end_call","transfer"]
	}`),
}

func buildChatInstruction(in chatPromptInput) string {
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are %s, a customer support assistant chatting through a website widget.", displayName(in.agentName)),
		"",
		"Behavior Rules:",
		chatBehaviorRules(),
		"",
		"Context:",
		joinPassages(in.passages),
		"",
		"Conversation History:",
		formatHistory(in.history),
		"",
		"Current Question:",
		strings.TrimSpace(in.query),
	}, "\n")
}

func buildVoiceInstruction(in voicePromptInput) string {
	turns := make([]domain.Message, 0, len(in.turns))
	for _, t := range in.turns {
		turns = append(turns, domain.Message{Role: t.Role, Content: t.Content})
	}
	return strings.Join([]string{
		"Role:",
		voiceRole(in.agentType, displayName(in.agentName)),
		"",
		"Caller:",
		callerLine(in.caller),
		"",
		"Behavior Rules:",
		voiceBehaviorRules(in.agentType),
		"",
		"Context:",
		joinPassages(in.passages),
		"",
		"Call So Far:",
		formatHistory(turns),
		"",
		"Caller Just Said:",
		strings.TrimSpace(in.utterance),
		"",
		"Output Contract:",
		voiceOutputContract(),
	}, "\n")
}

func chatBehaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current question.",
		"2) Use only the context and the conversation history as sources.",
		"3) Keep responses friendly and concise.",
		"4) If the context does not contain the answer, say you don't have that information and offer to connect the customer with a human.",
	}, "\n")
}

func voiceRole(t domain.AgentType, name string) string {
	switch t {
	case domain.AgentSalesAssistant:
		return fmt.Sprintf("You are %s, a sales assistant answering a phone call about the business's products and services.", name)
	case domain.AgentAntiTheft:
		return fmt.Sprintf("You are %s, screening an incoming phone call on behalf of the owner. Find out who is calling and why.", name)
	case domain.AgentChatbot:
		return fmt.Sprintf("You are %s, a support assistant answering a phone call.", name)
	default:
		return fmt.Sprintf("You are %s, answering a phone call.", name)
	}
}

func voiceBehaviorRules(t domain.AgentType) string {
	rules := []string{
		"1) Your reply is read aloud. Use one to three short sentences with no lists, links or markdown.",
		"2) Set end_call=true only when the caller is done or says goodbye, and make reply a short farewell.",
	}
	switch t {
	case domain.AgentSalesAssistant:
		rules = append(rules,
			"3) Answer only from the context. If it does not cover the question, say so.",
			"4) Set transfer=true when the caller asks for a person or wants to complete a purchase.",
		)
	case domain.AgentAntiTheft:
		rules = append(rules,
			"3) Never confirm the owner's whereabouts, schedule or personal details.",
			"4) Set transfer=true only for an emergency. Otherwise end the call once you know the caller's name and purpose.",
		)
	case domain.AgentChatbot:
		rules = append(rules,
			"3) Answer from the context when it is relevant.",
			"4) Set transfer=true when the caller asks for a person.",
		)
	}
	return strings.Join(rules, "\n")
}

func voiceOutputContract() string {
	return "Return JSON only with keys reply (string), end_call (boolean) and transfer (boolean). " +
		"reply must never be empty."
}

func callerLine(h CallerHints) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{h.State, h.Country, h.Zip} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "Location unknown."
	}
	return "Calling from " + strings.Join(parts, ", ") + "."
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultAgentName
	}
	return name
}

// joinPassages keeps the passages in the order they were ranked.
func joinPassages(passages []domain.Passage) string {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		if c := strings.TrimSpace(p.Content); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, "\n")
}

// formatHistory renders the last historyTurns messages as "[role]: message".
func formatHistory(history []domain.Message) string {
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	if len(history) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseVoiceDecision(raw string) (VoiceDecision, error) {
	var out VoiceDecision
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return VoiceDecision{}, fmt.Errorf("usecase: decode voice decision: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return VoiceDecision{}, errors.New("usecase: decode voice decision: multiple JSON values")
		}
		return VoiceDecision{}, fmt.Errorf("usecase: decode voice decision trailing data: %w", err)
	}
	out.Reply = strings.TrimSpace(out.Reply)
	if out.Reply == "" {
		return VoiceDecision{}, errors.New("usecase: voice decision missing reply")
	}
	return out, nil
}
