package core

// Metadata carries the bookkeeping attached to a conversation.
type Metadata struct {
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"message_count"`
}

// Conversation is the durable log of one conversation: the ordered message
// sequence plus its metadata. Owned exclusively by the store; callers get
// copies, never live references.
type Conversation struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
	Metadata Metadata  `json:"metadata"`
}

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Stats describes one conversation's stored and indexed state.
// IndexedCount is the number of rows in the conversation's similarity index,
// which is at most MessageCount (system and very short messages are not
// indexed).
type Stats struct {
	ID           string `json:"id"`
	MessageCount int    `json:"message_count"`
	IndexedCount int    `json:"indexed_count"`
	Title        string `json:"title,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}
