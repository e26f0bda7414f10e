// Package inference defines the chat-completion boundary: ordered messages
// in, generated text out. The engine treats the backend as opaque; it does
// not inspect models, count tokens or retry. Backends may carry their own
// bounded retry policy, but every failure ultimately surfaces as one of the
// three error kinds below so callers can report it precisely.
package inference

import (
	"context"
	"errors"

	"github.com/becomeliminal/mnemo/core"
)

var (
	// ErrTimeout: the backend did not answer within the deadline.
	ErrTimeout = errors.New("inference timeout")

	// ErrUnreachable: no connection to the backend could be established.
	ErrUnreachable = errors.New("inference backend unreachable")

	// ErrBackend: the backend was reached and reported a failure.
	ErrBackend = errors.New("inference backend error")
)

// Service produces the assistant's reply for an assembled context. messages
// is the full sequence including system prompts; temperature is passed
// through to the model.
type Service interface {
	Complete(ctx context.Context, messages []core.Message, temperature float64) (string, error)
}
