package domain

import "time"

// CallTurn is one exchange held in a voice call session.
type CallTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// VoiceCallSession is the call-scoped state carried between webhook
// invocations. It lives in the session cache, never in process memory.
type VoiceCallSession struct {
	Key              string     `json:"key"`
	CallSid          string     `json:"call_sid"`
	Caller           string     `json:"caller"`
	Called           string     `json:"called"`
	CallerState      string     `json:"caller_state,omitempty"`
	CallerCountry    string     `json:"caller_country,omitempty"`
	CallerZip        string     `json:"caller_zip,omitempty"`
	AgentID          string     `json:"agent_id"`
	AgentType        AgentType  `json:"agent_type"`
	AgentName        string     `json:"agent_name"`
	OwnerID          string     `json:"owner_id"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	KnowledgeBaseIDs []string   `json:"kb_ids,omitempty"`
	State            string     `json:"state"`
	Turns            []CallTurn `json:"turns,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CallKey builds the session cache key for one call.
func CallKey(caller, called, callSid string) string {
	return caller + "-" + called + "-" + callSid
}
