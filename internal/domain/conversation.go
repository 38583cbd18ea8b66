package domain

import "time"

// Channel is the transport a conversation was opened on.
type Channel string

const (
	ChannelText  Channel = "text"
	ChannelVoice Channel = "voice"
)

// Conversation binds one agent to one counterpart: a widget account for text
// conversations or a call reference for voice conversations.
type Conversation struct {
	ID        string
	AgentID   string
	AccountID string
	CallRef   string
	Channel   Channel
	CreatedAt time.Time
}

// Message is a single immutable entry in a conversation log.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	SenderID       string
	AgentID        string
	CreatedAt      time.Time
}

// EscalationPeriod records a boundary where ownership of a conversation moved
// between the automated agent and an administrator. The newest period by
// StartDate is authoritative.
type EscalationPeriod struct {
	ID               string
	ConversationID   string
	LastMessageIndex int
	IsEscalated      bool
	StartDate        time.Time
}
