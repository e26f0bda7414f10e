package core

import "errors"

var (
	// ErrConversationNotFound is returned for operations on an unknown
	// conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyMessage is returned when a chat request carries no message text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrInvariantViolation signals that context assembly produced a message
	// sequence that breaks the conversation protocol (last turn not user, or
	// two consecutive user turns). This is a fail-closed condition: callers
	// must refuse to hand the sequence to the inference backend, because a
	// malformed prompt makes the model continue the user's utterance instead
	// of replying to it.
	ErrInvariantViolation = errors.New("context invariant violation")
)
