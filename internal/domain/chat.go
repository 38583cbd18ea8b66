package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape sent to the
// generation integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JSONSchema constrains a chat completion to a structured JSON reply.
type JSONSchema struct {
	Name   string
	Schema json.RawMessage
}
