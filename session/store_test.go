package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := LoadFrom(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return s
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	if got := len(s.History(1)); got != 0 {
		t.Errorf("history = %d entries, want 0", got)
	}
	if _, ok := s.Active(1); ok {
		t.Error("Active reported a session in an empty store")
	}
}

func TestStoreSetAndActive(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set(42, "sess-abc", "/home/me/project", "fix the bug"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rec, ok := s.Active(42)
	if !ok {
		t.Fatal("Active = not found after Set")
	}
	if rec.SessionID != "sess-abc" || rec.Path != "/home/me/project" || rec.Topic != "fix the bug" {
		t.Errorf("active record = %+v", rec)
	}
	if rec.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1 for a new session", rec.MessageCount)
	}
	if rec.StartedAt.IsZero() || rec.LastUsedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, ok := s.Active(99); ok {
		t.Error("Active found a session for the wrong chat")
	}
}

func TestStoreMoveToFrontDedup(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	s.Set(1, "sess-a", "/p", "first")
	clock = clock.Add(time.Minute)
	s.Set(1, "sess-b", "/p", "second")
	clock = clock.Add(time.Minute)
	s.Set(1, "sess-a", "/p", "")

	history := s.History(1)
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2 after dedup", len(history))
	}
	if history[0].SessionID != "sess-a" || history[1].SessionID != "sess-b" {
		t.Errorf("order = %s, %s; want sess-a first", history[0].SessionID, history[1].SessionID)
	}
	// Dedup keeps the original start time and topic
	if !history[0].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want original %v", history[0].StartedAt, base)
	}
	if history[0].Topic != "first" {
		t.Errorf("Topic = %q, want carried over", history[0].Topic)
	}
	if !history[0].LastUsedAt.After(history[0].StartedAt) {
		t.Error("LastUsedAt not advanced on reuse")
	}
}

func TestStoreTopicSticksToFirstMessage(t *testing.T) {
	s := newTestStore(t)

	s.Set(1, "sess-a", "/p", "first question")
	s.Set(1, "sess-a", "/p", "second question")
	s.Set(1, "sess-a", "/p", "third question")

	rec, _ := s.Active(1)
	if rec.Topic != "first question" {
		t.Errorf("active topic = %q, want the first message kept", rec.Topic)
	}
	if got := s.History(1)[0].Topic; got != "first question" {
		t.Errorf("history topic = %q, want the first message kept", got)
	}
}

func TestStoreMessageCountIncrements(t *testing.T) {
	s := newTestStore(t)

	s.Set(1, "sess-a", "/p", "question")
	s.Set(1, "sess-a", "/p", "")
	s.Set(1, "sess-a", "/p", "")

	rec, _ := s.Active(1)
	if rec.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3 after three turns", rec.MessageCount)
	}

	// A different session starts its own count
	s.Set(1, "sess-b", "/p", "")
	rec, _ = s.Active(1)
	if rec.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1 for a fresh session", rec.MessageCount)
	}
}

func TestStoreHistoryPerChat(t *testing.T) {
	s := newTestStore(t)

	s.Set(1, "chat1-sess", "/p", "chat one work")
	s.Set(2, "chat2-sess", "/q", "chat two work")

	if got := len(s.History(1)); got != 1 {
		t.Fatalf("chat 1 history = %d entries, want 1", got)
	}
	if got := s.History(1)[0].SessionID; got != "chat1-sess" {
		t.Errorf("chat 1 history holds %s", got)
	}
	if got := len(s.History(2)); got != 1 {
		t.Fatalf("chat 2 history = %d entries, want 1", got)
	}

	// Lookups are scoped to the chat
	if _, err := s.FindByPrefix(2, "chat1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("chat 2 found chat 1's session: %v", err)
	}
	if _, err := s.FindByPrefix(1, "chat1"); err != nil {
		t.Errorf("chat 1 cannot find its own session: %v", err)
	}
	if _, ok := s.LatestForPath(2, "/p"); ok {
		t.Error("chat 2 found chat 1's path history")
	}
}

func TestStoreHistoryCapPerChat(t *testing.T) {
	s := newTestStore(t)
	s.Set(2, "other-chat", "/q", "")
	for i := 0; i < MaxHistory+5; i++ {
		s.Set(1, fmt.Sprintf("sess-%02d", i), "/p", "")
	}

	history := s.History(1)
	if len(history) != MaxHistory {
		t.Fatalf("history = %d entries, want %d", len(history), MaxHistory)
	}
	if history[0].SessionID != fmt.Sprintf("sess-%02d", MaxHistory+4) {
		t.Errorf("newest = %s, want the last session set", history[0].SessionID)
	}
	// The oldest entries fell off
	if _, err := s.FindByPrefix(1, "sess-00"); !errors.Is(err, ErrNotFound) {
		t.Errorf("sess-00 still findable: %v", err)
	}
	// A busy chat never evicts another chat's history
	if got := len(s.History(2)); got != 1 {
		t.Errorf("chat 2 history = %d entries after chat 1 churn, want 1", got)
	}
}

func TestStoreFindByPrefix(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "abc12345-6789", "/p", "")
	s.Set(1, "abd99999-0000", "/p", "")

	rec, err := s.FindByPrefix(1, "abc1")
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if rec.SessionID != "abc12345-6789" {
		t.Errorf("found %s", rec.SessionID)
	}

	if _, err := s.FindByPrefix(1, "ab"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("ambiguous prefix error = %v, want ErrAmbiguous", err)
	}
	if _, err := s.FindByPrefix(1, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing prefix error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindByPrefix(1, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty prefix error = %v, want ErrNotFound", err)
	}
}

func TestStoreClearActiveKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "sess-a", "/p", "")

	if err := s.ClearActive(1); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	if _, ok := s.Active(1); ok {
		t.Error("active session survived ClearActive")
	}
	if len(s.History(1)) != 1 {
		t.Error("history lost on ClearActive")
	}

	// Clearing again is a no-op
	if err := s.ClearActive(1); err != nil {
		t.Fatalf("second ClearActive: %v", err)
	}
}

func TestStoreClearHistory(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "sess-a", "/p", "")
	s.Set(2, "sess-b", "/q", "")

	if err := s.ClearHistory(1); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if len(s.History(1)) != 0 {
		t.Error("history not cleared")
	}
	if _, ok := s.Active(1); ok {
		t.Error("active session survived ClearHistory")
	}
	// Other chats keep theirs
	if len(s.History(2)) != 1 {
		t.Error("chat 2 history lost when chat 1 cleared")
	}
}

func TestStoreActiveChatIDs(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "sess-a", "/p", "")
	s.Set(2, "sess-b", "/q", "")
	s.ClearActive(2)

	ids := s.ActiveChatIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("ActiveChatIDs = %v, want [1]", ids)
	}
}

func TestStoreLatestForPath(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "sess-a", "/projects/alpha", "")
	s.Set(1, "sess-b", "/projects/beta", "")
	s.Set(1, "sess-c", "/projects/alpha", "")

	rec, ok := s.LatestForPath(1, "/projects/alpha")
	if !ok {
		t.Fatal("LatestForPath found nothing")
	}
	if rec.SessionID != "sess-c" {
		t.Errorf("latest for alpha = %s, want sess-c", rec.SessionID)
	}
	if _, ok := s.LatestForPath(1, "/projects/gamma"); ok {
		t.Error("LatestForPath found a session for an unknown path")
	}
}

func TestStoreSetTopic(t *testing.T) {
	s := newTestStore(t)
	s.Set(1, "sess-a", "/p", "")

	if err := s.SetTopic(1, "explain the build"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}
	rec, _ := s.Active(1)
	if rec.Topic != "explain the build" {
		t.Errorf("active topic = %q", rec.Topic)
	}
	if got := s.History(1)[0].Topic; got != "explain the build" {
		t.Errorf("history topic = %q", got)
	}

	// An existing topic is not overwritten
	s.SetTopic(1, "something else")
	rec, _ = s.Active(1)
	if rec.Topic != "explain the build" {
		t.Errorf("topic overwritten: %q", rec.Topic)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	s.Set(42, "sess-abc", "/home/me/project", "fix the bug")
	s.Set(42, "sess-abc", "/home/me/project", "")
	s.Set(7, "sess-def", "/other", "")

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	rec, ok := reloaded.Active(42)
	if !ok || rec.SessionID != "sess-abc" || rec.Topic != "fix the bug" {
		t.Errorf("reloaded active = %+v (found=%v)", rec, ok)
	}
	if rec.MessageCount != 2 {
		t.Errorf("reloaded MessageCount = %d, want 2", rec.MessageCount)
	}
	if got := len(reloaded.History(42)); got != 1 {
		t.Errorf("reloaded chat 42 history = %d entries, want 1", got)
	}
	if got := len(reloaded.History(7)); got != 1 {
		t.Errorf("reloaded chat 7 history = %d entries, want 1", got)
	}
}

func TestRecordShortID(t *testing.T) {
	if got := (Record{SessionID: "abcdefgh-1234"}).ShortID(); got != "abcdefgh" {
		t.Errorf("ShortID = %q", got)
	}
	if got := (Record{SessionID: "abc"}).ShortID(); got != "abc" {
		t.Errorf("short session ShortID = %q", got)
	}
}
