package domain

import "time"

// ConversationMetadata is the shallow-mergeable metadata bag attached to
// a Conversation.
type ConversationMetadata struct {
	ContextUsage *ContextUsage `json:"contextUsage,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
}

// Conversation is one durable message log, persisted as a single JSON
// file per conversation.
type Conversation struct {
	ID        string               `json:"id"`
	ProjectID string               `json:"projectId"`
	ItemRef   string               `json:"itemRef,omitempty"`
	Messages  []Message            `json:"messages"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Label     string               `json:"label,omitempty"`
	Metadata  ConversationMetadata `json:"metadata"`
}

// SearchResult is one substring match returned by ConversationStore.Search.
type SearchResult struct {
	ConversationID string      `json:"conversationId"`
	MessageType    MessageType `json:"messageType"`
	Snippet        string      `json:"snippet"`
	CreatedAt      time.Time   `json:"createdAt"`
	Label          string      `json:"label,omitempty"`
}
