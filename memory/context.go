package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/becomeliminal/mnemo/core"
)

// previewLimit bounds each excerpt quoted in the synthesized system prompt.
const previewLimit = 80

// maxPreambleHints bounds how many retrieved user turns the prompt cites.
const maxPreambleHints = 3

// BuildContext assembles the full message sequence for one inference call:
//
//	[synthesized system prompt] [extra history system msgs]
//	[recent window] [current user message]
//
// history is the conversation as stored, oldest first, without the current
// message. The recent window is chosen by SelectWindow and repaired so that
// it never ends on an unanswered user turn. Retrieval then runs against
// everything outside the window, and up to maxPreambleHints retrieved user
// turns are woven into the system prompt as background.
//
// The returned sequence always ends with exactly one user message and never
// contains two consecutive user messages. If assembly cannot satisfy that,
// BuildContext fails closed with an error instead of returning a sequence
// the model would mishandle.
func (m *Manager) BuildContext(ctx context.Context, conversationID, currentMessage string, history []core.Message) ([]core.Message, error) {
	var systemMsgs, nonSystem []core.Message
	for _, msg := range history {
		if msg.Role == core.RoleSystem {
			systemMsgs = append(systemMsgs, msg)
		} else {
			nonSystem = append(nonSystem, msg)
		}
	}

	window := SelectWindow(nonSystem, m.config.MaxRecentMessages)
	window = m.repairTrailingUser(conversationID, window)

	retrieved := m.Retrieve(ctx, conversationID, currentMessage, len(window), m.config.CrossConversation)
	preamble := synthesizePreamble(m.config.Persona, retrieved)

	assembled := make([]core.Message, 0, len(systemMsgs)+len(window)+2)
	assembled = append(assembled, core.NewSystemMessage(preamble))
	if len(systemMsgs) > 1 {
		// The first history system message is superseded by the synthesized
		// prompt; any additional ones ride along unchanged.
		assembled = append(assembled, systemMsgs[1:]...)
	}
	assembled = append(assembled, window...)
	assembled = append(assembled, core.NewUserMessage(currentMessage))

	if err := validateContext(assembled); err != nil {
		log.Printf("[MEMORY] refusing malformed context for %s: %v", conversationID, err)
		return nil, err
	}
	return assembled, nil
}

// repairTrailingUser fixes a window that ends on a user turn. The matching
// assistant reply usually exists in the stored log just outside the window;
// pull it back in. If no reply was ever recorded, the trailing user turn is
// dropped instead, because the caller is about to append another user
// message and two consecutive user turns are not allowed downstream.
func (m *Manager) repairTrailingUser(conversationID string, window []core.Message) []core.Message {
	if len(window) == 0 || window[len(window)-1].Role != core.RoleUser {
		return window
	}
	lastID := window[len(window)-1].ID
	if lastID != "" {
		var nonSystem []core.Message
		for _, msg := range m.source.Messages(conversationID) {
			if msg.Role != core.RoleSystem {
				nonSystem = append(nonSystem, msg)
			}
		}
		for i, msg := range nonSystem {
			if msg.ID != lastID {
				continue
			}
			if i+1 < len(nonSystem) && nonSystem[i+1].Role == core.RoleAssistant {
				return append(window, nonSystem[i+1])
			}
			break
		}
	}
	return window[:len(window)-1]
}

// synthesizePreamble folds retrieved background into the persona prompt. It
// is a pure function of its arguments: hints are sorted chronologically,
// only user turns are quoted, each truncated to a short preview. With no
// usable hints the persona is returned untouched.
func synthesizePreamble(persona string, retrieved []core.Message) string {
	hints := make([]core.Message, len(retrieved))
	copy(hints, retrieved)
	sort.SliceStable(hints, func(i, j int) bool {
		return hints[i].Timestamp < hints[j].Timestamp
	})

	var previews []string
	for _, msg := range hints {
		if msg.Role != core.RoleUser {
			continue
		}
		previews = append(previews, preview(msg.Content, previewLimit))
		if len(previews) == maxPreambleHints {
			break
		}
	}
	if len(previews) == 0 {
		return persona
	}

	var b strings.Builder
	b.WriteString("[Background: the user has previously raised the topics below. Use them to understand the user's situation, but do not quote or repeat them verbatim. Respond in your own words.]\n")
	for i, p := range previews {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	b.WriteString("\n")
	b.WriteString(persona)
	return b.String()
}

// preview truncates s to limit runes, marking the cut with an ellipsis.
func preview(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// validateContext enforces the conversation protocol on the assembled
// sequence: non-empty, ends on a user message, and no two consecutive user
// messages anywhere.
func validateContext(msgs []core.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: empty context", core.ErrInvariantViolation)
	}
	if last := msgs[len(msgs)-1]; last.Role != core.RoleUser {
		return fmt.Errorf("%w: context ends with %q, want %q", core.ErrInvariantViolation, last.Role, core.RoleUser)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == core.RoleUser && msgs[i-1].Role == core.RoleUser {
			return fmt.Errorf("%w: consecutive user messages at position %d", core.ErrInvariantViolation, i)
		}
	}
	return nil
}
