package domain

import "fmt"

// AgentType selects how an agent behaves on each channel.
type AgentType string

const (
	AgentChatbot        AgentType = "CHATBOT"
	AgentSalesAssistant AgentType = "SALES_ASSISTANT"
	AgentAntiTheft      AgentType = "ANTI_THEFT"
)

// ParseAgentType accepts both the stored form (SALES_ASSISTANT) and the URL
// slug form (sales-assistant).
func ParseAgentType(s string) (AgentType, error) {
	switch s {
	case string(AgentChatbot), "chatbot":
		return AgentChatbot, nil
	case string(AgentSalesAssistant), "sales-assistant":
		return AgentSalesAssistant, nil
	case string(AgentAntiTheft), "anti-theft":
		return AgentAntiTheft, nil
	default:
		return "", fmt.Errorf("domain: unknown agent type %q", s)
	}
}

// Slug is the URL path segment used for voice webhooks.
func (t AgentType) Slug() string {
	switch t {
	case AgentChatbot:
		return "chatbot"
	case AgentSalesAssistant:
		return "sales-assistant"
	case AgentAntiTheft:
		return "anti-theft"
	default:
		return ""
	}
}

// KnowledgeDependent reports whether a voice call for this agent type cannot
// proceed without at least one linked knowledge source.
func (t AgentType) KnowledgeDependent() bool {
	return t == AgentSalesAssistant
}

type Agent struct {
	ID        string
	OwnerID   string
	Name      string
	Type      AgentType
	Activated bool
}

// WidgetAccount is an end customer talking through the chat widget.
type WidgetAccount struct {
	ID   string
	Name string
}

// Administrator is a dashboard user who owns agents.
type Administrator struct {
	ID    string
	Name  string
	Email string
}

// KnowledgeLink scopes a knowledge base to an agent.
type KnowledgeLink struct {
	AgentID         string
	KnowledgeBaseID string
}

// PhoneNumber is a number purchased by an owner.
type PhoneNumber struct {
	Phone   string
	OwnerID string
}

// PhoneLink attaches a purchased number to the agent that answers it.
type PhoneLink struct {
	Phone   string
	AgentID string
}

// Passage is one ranked piece of knowledge-base context.
type Passage struct {
	SourceID string
	Content  string
	Score    float64
}
