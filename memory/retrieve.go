package memory

import (
	"context"
	"sort"
	"time"

	"github.com/becomeliminal/mnemo/core"
)

// Over-fetch multipliers applied before threshold filtering. The similarity
// threshold and the recency exclusion can eliminate many nominally top
// ranked hits, so each index is asked for more rows than the final k. The
// current conversation gets the deeper fetch because it is also the only one
// subject to exclusion.
const (
	ownOverfetch     = 3
	foreignOverfetch = 2
)

// crossConversationFactor discounts hits from other conversations so that,
// at equal similarity and age, the current conversation wins.
const crossConversationFactor = 0.9

// scoredCandidate pairs a retrieved message with its composite score. It
// exists only between search and the final sort.
type scoredCandidate struct {
	message core.Message
	score   float64
}

// Retrieve returns up to RetrievalTopK stored messages relevant to query,
// ranked by similarity x time decay (x the cross-conversation factor for
// foreign hits). The trailing excludeRecent non-system messages of the
// current conversation are excluded by id; they are already in the window,
// and retrieval must not duplicate them. Foreign conversations are never
// excluded from, only discounted.
//
// Retrieval is best-effort: an unavailable embedder or empty indexes yield
// an empty result, never an error.
func (m *Manager) Retrieve(ctx context.Context, conversationID, query string, excludeRecent int, crossConversation bool) []core.Message {
	queryVec, ok := m.cache.Vector(ctx, query)
	if !ok {
		return nil
	}

	now := time.Now()
	k := m.config.RetrievalTopK
	threshold := m.config.SimilarityThreshold
	excluded := m.recentIDs(conversationID, excludeRecent)

	var candidates []scoredCandidate
	for _, hit := range m.indexes.Search(ctx, conversationID, queryVec, k*ownOverfetch) {
		if _, skip := excluded[hit.Message.ID]; skip {
			continue
		}
		score := float64(hit.Similarity) * timeDecay(hit.Message.Timestamp, now)
		if score < threshold {
			continue
		}
		candidates = append(candidates, scoredCandidate{message: hit.Message, score: score})
	}

	if crossConversation {
		for _, foreignID := range m.indexes.Conversations() {
			if foreignID == conversationID {
				continue
			}
			for _, hit := range m.indexes.Search(ctx, foreignID, queryVec, k*foreignOverfetch) {
				score := float64(hit.Similarity) * timeDecay(hit.Message.Timestamp, now) * crossConversationFactor
				if score < threshold {
					continue
				}
				candidates = append(candidates, scoredCandidate{message: hit.Message, score: score})
			}
		}
	}

	// Stable sort: equal scores keep their search order, own conversation
	// first, then foreign conversations in id order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]core.Message, len(candidates))
	for i, c := range candidates {
		out[i] = c.message
	}
	return out
}

// recentIDs collects the ids of the trailing count non-system messages of
// the conversation, the stretch the sliding window covers.
func (m *Manager) recentIDs(conversationID string, count int) map[string]struct{} {
	ids := make(map[string]struct{})
	if count <= 0 {
		return ids
	}
	var nonSystem []core.Message
	for _, msg := range m.source.Messages(conversationID) {
		if msg.Role != core.RoleSystem {
			nonSystem = append(nonSystem, msg)
		}
	}
	start := len(nonSystem) - count
	if start < 0 {
		start = 0
	}
	for _, msg := range nonSystem[start:] {
		if msg.ID != "" {
			ids[msg.ID] = struct{}{}
		}
	}
	return ids
}

// timeDecay weights a hit by its age: full weight within a day, 0.8 within a
// week, 0.5 within thirty days, 0.3 beyond. A timestamp that cannot be
// parsed lands in the middle at 0.5 rather than being discarded or favored.
func timeDecay(timestamp string, now time.Time) float64 {
	t, ok := core.ParseTimestamp(timestamp)
	if !ok {
		return 0.5
	}
	age := now.Sub(t).Hours()
	switch {
	case age <= 24:
		return 1.0
	case age <= 7*24:
		return 0.8
	case age <= 30*24:
		return 0.5
	default:
		return 0.3
	}
}
