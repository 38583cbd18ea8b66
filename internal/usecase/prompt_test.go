package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nexus-agent/internal/domain"
)

func TestParseVoiceDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    VoiceDecision
		wantErr bool
	}{
		{name: "continue", raw: `{"reply":" Sure. ","end_call":false,"transfer":false}`, want: VoiceDecision{Reply: "Sure."}},
		{name: "end", raw: `{"reply":"Goodbye!","end_call":true,"transfer":false}`, want: VoiceDecision{Reply: "Goodbye!", EndCall: true}},
		{name: "unknown field", raw: `{"reply":"hi","end_call":false,"transfer":false,"extra":1}`, wantErr: true},
		{name: "empty reply", raw: `{"reply":"  ","end_call":true,"transfer":false}`, wantErr: true},
		{name: "trailing value", raw: `{"reply":"hi"} {"reply":"again"}`, wantErr: true},
		{name: "not json", raw: `Sure thing`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVoiceDecision(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatHistory_KeepsLastFive(t *testing.T) {
	var history []domain.Message
	for _, c := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		history = append(history, domain.Message{Role: domain.RoleCustomer, Content: c})
	}
	require.Equal(t, "[customer]: c\n[customer]: d\n[customer]: e\n[customer]: f\n[customer]: g", formatHistory(history))
	require.Equal(t, "(none)", formatHistory(nil))
}

func TestBuildChatInstruction_DefaultsAgentName(t *testing.T) {
	got := buildChatInstruction(chatPromptInput{query: "hi"})
	require.Contains(t, got, "You are Nexus")
	require.Contains(t, got, "Context:\n(none)")
}

func TestVoiceRole_PerAgentType(t *testing.T) {
	require.Contains(t, voiceRole(domain.AgentAntiTheft, "Rex"), "screening")
	require.Contains(t, voiceRole(domain.AgentSalesAssistant, "Rex"), "sales assistant")
	require.Contains(t, voiceRole(domain.AgentChatbot, "Rex"), "support assistant")
	require.Equal(t, "Location unknown.", callerLine(CallerHints{}))
}
