package store_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/store"
)

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAssignsPositionalIDs(t *testing.T) {
	s := openStore(t, t.TempDir())

	err := s.Append("c1", []core.Message{
		{Role: core.RoleUser, Content: "hello there"},
		{Role: core.RoleAssistant, Content: "hi, how can I help?"},
		{Role: "tool", Content: "output of some tool"},
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, wantID := range []string{"c1_0", "c1_1", "c1_2"} {
		if msgs[i].ID != wantID {
			t.Errorf("message %d id = %q, want %q", i, msgs[i].ID, wantID)
		}
		if msgs[i].ConversationID != "c1" {
			t.Errorf("message %d conversation id = %q, want c1", i, msgs[i].ConversationID)
		}
		if msgs[i].Timestamp == "" {
			t.Errorf("message %d has no timestamp", i)
		}
	}
	if msgs[2].Role != core.RoleUser {
		t.Errorf("unknown role normalized to %q, want user", msgs[2].Role)
	}

	if err := s.Append("", []core.Message{{Role: core.RoleUser, Content: "orphan"}}); err == nil {
		t.Error("expected an error for an empty conversation id")
	}
}

func TestStore_AppendIsIdempotentByID(t *testing.T) {
	s := openStore(t, t.TempDir())

	batch := []core.Message{
		{ID: "m1", Role: core.RoleUser, Content: "what time is it in Tokyo?"},
		{ID: "m2", Role: core.RoleAssistant, Content: "It is 9 in the morning."},
	}
	if err := s.Append("c1", batch); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	// Replaying the batch with one new turn must only add the new turn.
	replay := append(append([]core.Message{}, batch...),
		core.Message{Role: core.RoleUser, Content: "and in Osaka?"},
	)
	if err := s.Append("c1", replay); err != nil {
		t.Fatalf("Failed to replay append: %v", err)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after replay, got %d", len(msgs))
	}
	if msgs[2].ID != "c1_2" {
		t.Errorf("new message id = %q, want c1_2", msgs[2].ID)
	}
}

func TestStore_TitleFromFirstUserMessage(t *testing.T) {
	s := openStore(t, t.TempDir())

	content := "I have been thinking a lot about how to plan my trip to Japan next spring"
	err := s.Append("c1", []core.Message{
		{Role: core.RoleSystem, Content: "You are a travel planner."},
		{Role: core.RoleUser, Content: content},
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	stats, ok := s.Stats("c1")
	if !ok {
		t.Fatal("expected stats for c1")
	}
	want := string([]rune(content)[:50])
	if stats.Title != want {
		t.Errorf("title = %q, want %q", stats.Title, want)
	}

	// Later turns never retitle the conversation.
	if err := s.Append("c1", []core.Message{{Role: core.RoleUser, Content: "actually let's talk about Korea instead"}}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	stats, _ = s.Stats("c1")
	if stats.Title != want {
		t.Errorf("title changed to %q after a later append", stats.Title)
	}
}

func TestStore_SyncReplacesHistory(t *testing.T) {
	s := openStore(t, t.TempDir())

	if err := s.Append("c1", []core.Message{
		{Role: core.RoleUser, Content: "first draft of the conversation"},
		{Role: core.RoleAssistant, Content: "noted, tell me more"},
		{Role: core.RoleUser, Content: "never mind"},
	}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	before, _ := s.Stats("c1")

	replacement := []core.Message{
		{Role: core.RoleUser, Content: "the client rewrote everything"},
		{Role: core.RoleAssistant, Content: "Understood, starting over."},
	}
	if err := s.Sync("c1", replacement, nil); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after sync, got %d", len(msgs))
	}
	if msgs[0].ID != "c1_0" || msgs[1].ID != "c1_1" {
		t.Errorf("sync ids = %q, %q, want c1_0, c1_1", msgs[0].ID, msgs[1].ID)
	}

	after, _ := s.Stats("c1")
	if after.CreatedAt != before.CreatedAt {
		t.Errorf("sync changed CreatedAt from %q to %q", before.CreatedAt, after.CreatedAt)
	}
	if after.Title != "the client rewrote everything" {
		t.Errorf("title = %q, want the new first user message", after.Title)
	}

	// Client-supplied metadata wins over the derived title.
	if err := s.Sync("c1", replacement, &core.Metadata{Title: "Project kickoff"}); err != nil {
		t.Fatalf("Failed to sync with metadata: %v", err)
	}
	after, _ = s.Stats("c1")
	if after.Title != "Project kickoff" {
		t.Errorf("title = %q, want Project kickoff", after.Title)
	}

	// Syncing an unknown conversation creates it.
	if err := s.Sync("c2", replacement, nil); err != nil {
		t.Fatalf("Failed to sync a new conversation: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 conversations, got %d", s.Len())
	}
}

func TestStore_DeleteCascades(t *testing.T) {
	s := openStore(t, t.TempDir())

	if err := s.Append("c1", []core.Message{{Role: core.RoleUser, Content: "remember this for later"}}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	s.SaveVectorSnapshot("c1", []byte{1, 2, 3, 4})

	if err := s.Delete("c1"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected an empty store, got %d conversations", s.Len())
	}
	if s.Messages("c1") != nil {
		t.Error("expected no messages after delete")
	}
	if _, ok := s.LoadVectorSnapshot("c1"); ok {
		t.Error("expected the vector snapshot to be deleted with the conversation")
	}

	err := s.Delete("c1")
	if !errors.Is(err, core.ErrConversationNotFound) {
		t.Errorf("second delete = %v, want ErrConversationNotFound", err)
	}
}

func TestStore_ListOrdersByRecency(t *testing.T) {
	s := openStore(t, t.TempDir())

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(id, []core.Message{{Role: core.RoleUser, Content: "opening message for " + id}}); err != nil {
			t.Fatalf("Failed to append to %s: %v", id, err)
		}
		// UpdatedAt comes from the wall clock; keep the three distinct.
		time.Sleep(2 * time.Millisecond)
	}
	got := s.List()
	if len(got) != 3 || got[0].ID != "c" || got[1].ID != "b" || got[2].ID != "a" {
		t.Fatalf("expected most recent first (c, b, a), got %v", summaryIDs(got))
	}

	// Touching the oldest conversation moves it to the front.
	if err := s.Append("a", []core.Message{{Role: core.RoleUser, Content: "one more thing"}}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	got = s.List()
	if got[0].ID != "a" {
		t.Errorf("expected a at the front after the append, got %v", summaryIDs(got))
	}
	if got[0].MessageCount != 2 {
		t.Errorf("expected 2 messages in the summary, got %d", got[0].MessageCount)
	}
}

func summaryIDs(summaries []core.Summary) []string {
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestStore_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := s.Append("c1", []core.Message{
		{Role: core.RoleUser, Content: "please persist this"},
		{Role: core.RoleAssistant, Content: "It is saved."},
	}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	snapshot := []byte{9, 8, 7, 6, 5}
	s.SaveVectorSnapshot("c1", snapshot)
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened := openStore(t, dir)
	msgs := reopened.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after reopen, got %d", len(msgs))
	}
	if msgs[0].ID != "c1_0" || msgs[0].Content != "please persist this" {
		t.Errorf("first message came back as %q / %q", msgs[0].ID, msgs[0].Content)
	}
	stats, ok := reopened.Stats("c1")
	if !ok || stats.Title != "please persist this" {
		t.Errorf("expected the title to survive reopen, got %q", stats.Title)
	}
	data, ok := reopened.LoadVectorSnapshot("c1")
	if !ok || !bytes.Equal(data, snapshot) {
		t.Errorf("vector snapshot came back as %v, want %v", data, snapshot)
	}
}

func TestStore_RecoversFromCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversations.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("Failed to plant corrupt file: %v", err)
	}

	s := openStore(t, dir)
	if s.Len() != 0 {
		t.Errorf("expected an empty store after recovery, got %d conversations", s.Len())
	}
	if err := s.Append("c1", []core.Message{{Role: core.RoleUser, Content: "fresh start after the crash"}}); err != nil {
		t.Fatalf("Failed to append after recovery: %v", err)
	}

	aside, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(aside) != 1 {
		t.Errorf("expected the corrupt file moved aside, found %v", aside)
	}
}

func TestStore_VectorSnapshotLifecycle(t *testing.T) {
	s := openStore(t, t.TempDir())

	if _, ok := s.LoadVectorSnapshot("c1"); ok {
		t.Error("expected no snapshot before the first save")
	}
	s.SaveVectorSnapshot("c1", []byte{1, 2, 3})
	data, ok := s.LoadVectorSnapshot("c1")
	if !ok || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("snapshot came back as %v", data)
	}

	// Saving nothing clears the stored snapshot.
	s.SaveVectorSnapshot("c1", nil)
	if _, ok := s.LoadVectorSnapshot("c1"); ok {
		t.Error("expected the snapshot to be cleared")
	}
}

func TestStore_EmbeddingCacheRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())

	entries := map[string][]float32{
		"aaaa1111": {0.25, -0.5, 1},
		"bbbb2222": {2, 3, 4},
	}
	if err := s.SaveEmbeddingCache(entries); err != nil {
		t.Fatalf("Failed to save embedding cache: %v", err)
	}
	loaded, err := s.LoadEmbeddingCache()
	if err != nil {
		t.Fatalf("Failed to load embedding cache: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded))
	}
	for hash, want := range entries {
		got := loaded[hash]
		if len(got) != len(want) {
			t.Fatalf("entry %s came back with %d values, want %d", hash, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %s value %d = %v, want %v", hash, i, got[i], want[i])
			}
		}
	}

	// Each save replaces the previous contents wholesale.
	if err := s.SaveEmbeddingCache(map[string][]float32{"aaaa1111": {0.25, -0.5, 1}}); err != nil {
		t.Fatalf("Failed to save embedding cache: %v", err)
	}
	loaded, err = s.LoadEmbeddingCache()
	if err != nil {
		t.Fatalf("Failed to load embedding cache: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("expected the save to replace old entries, got %d", len(loaded))
	}
}
