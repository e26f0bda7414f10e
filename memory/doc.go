// Package memory implements the retrieval-augmented context engine.
//
// For every new user turn it assembles a bounded message sequence mixing the
// most recent turns with semantically relevant older turns, possibly drawn
// from other conversations, so the downstream model sees useful history
// without unbounded prompt growth.
//
// Architecture:
//   - EmbeddingCache: content-addressed text -> vector memoization with
//     periodic persistence (embedding the same content twice is wasted work)
//   - index.Manager: one similarity index per conversation, fully rebuilt on
//     every mutation (see the index subpackage)
//   - Manager: orchestrates ranking, window selection and context assembly
//
// Retrieval scoring multiplies cosine similarity by a time-decay weight and,
// for candidates from other conversations, a mild cross-conversation
// discount. Window selection and assembly enforce the conversation protocol:
// the final sequence always ends on a user turn and never contains two
// consecutive user turns. When those invariants cannot be met the assembler
// fails closed and returns nothing rather than a malformed prompt.
package memory
