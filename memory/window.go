package memory

import "github.com/becomeliminal/mnemo/core"

// SelectWindow picks the run of most recent messages to carry verbatim into
// the model context. messages must already be free of system entries.
//
// At most windowSize-1 messages are returned, reserving one slot for the
// incoming user turn. The window always opens on a user message so the model
// never sees a conversation that starts mid-exchange: if the natural cut
// lands on an assistant turn, the start is walked backward to the nearest
// user turn and the window is re-truncated forward to the same budget,
// keeping the older messages and dropping the newest. A history with no user
// turn at or before the cut yields an empty window.
//
// The result is a fresh slice. Callers append repairs to it, which must not
// write through into the history they were given.
func SelectWindow(messages []core.Message, windowSize int) []core.Message {
	limit := windowSize - 1
	if limit <= 0 || len(messages) == 0 {
		return nil
	}

	start := len(messages) - limit
	if start < 0 {
		start = 0
	}
	if messages[start].Role != core.RoleUser {
		found := -1
		for i := start - 1; i >= 0; i-- {
			if messages[i].Role == core.RoleUser {
				found = i
				break
			}
		}
		if found < 0 {
			return nil
		}
		start = found
	}

	end := start + limit
	if end > len(messages) {
		end = len(messages)
	}
	window := make([]core.Message, end-start)
	copy(window, messages[start:end])
	return window
}
