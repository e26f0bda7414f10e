package core

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in a conversation.
//
// Messages are immutable once written to the store; the only way to change
// recorded history is a full-replace sync of the whole conversation.
// ID is unique within a conversation and assigned by the store if absent.
// Timestamp is an RFC 3339 string; consumers must tolerate missing or
// unparseable values (client-supplied history is not trustworthy).
type Message struct {
	ID             string `json:"id,omitempty"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: Now()}
}

// NewAssistantMessage creates an assistant message stamped with the current time.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: Now()}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Now returns the canonical timestamp encoding used throughout the store.
func Now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// EligibleContent reports whether text is long enough to be worth embedding.
// Content shorter than 3 characters after trimming ("ok", "嗯") carries no
// retrievable meaning. Counted in runes, not bytes, so CJK input is not
// over-counted.
func EligibleContent(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= 3
}

// Eligible reports whether the message participates in similarity indexing:
// a non-system message whose content passes EligibleContent.
func (m Message) Eligible() bool {
	return m.Role != RoleSystem && EligibleContent(m.Content)
}
