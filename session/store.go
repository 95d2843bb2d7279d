package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telclaude/telclaude/paths"
)

// MaxHistory bounds each chat's session history. The oldest entries fall off
// when new sessions push past the cap.
const MaxHistory = 20

var (
	// ErrNotFound is returned when no history entry matches a prefix.
	ErrNotFound = errors.New("no session matches")
	// ErrAmbiguous is returned when a prefix matches more than one entry.
	ErrAmbiguous = errors.New("session prefix is ambiguous")
)

// Record describes one Claude CLI session the bot has seen.
type Record struct {
	SessionID    string    `json:"session_id"`
	Path         string    `json:"path"`
	Topic        string    `json:"topic,omitempty"`
	MessageCount int       `json:"message_count"`
	StartedAt    time.Time `json:"started_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// ShortID returns the first eight characters of the session ID, the form
// shown in /sessions listings.
func (r Record) ShortID() string {
	if len(r.SessionID) <= 8 {
		return r.SessionID
	}
	return r.SessionID[:8]
}

// storeFile is the on-disk shape. Both maps are keyed by chat ID,
// stringified because JSON object keys must be strings.
type storeFile struct {
	Active  map[string]Record   `json:"active"`
	History map[string][]Record `json:"history"`
}

// Store persists active sessions and per-chat history. All methods are safe
// for concurrent use. History is kept separately for each chat so one chat's
// sessions never show up in, or get evicted by, another chat.
type Store struct {
	mu       sync.Mutex
	filePath string

	active  map[int64]Record
	history map[int64][]Record

	now func() time.Time
}

// Load reads the session store from disk, or creates an empty one if the
// file doesn't exist yet.
func Load() (*Store, error) {
	path, err := paths.SessionsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the store from an explicit path.
func LoadFrom(path string) (*Store, error) {
	s := &Store{
		filePath: path,
		active:   make(map[int64]Record),
		history:  make(map[int64][]Record),
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, rec := range file.Active {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		s.active[chatID] = rec
	}
	for key, hist := range file.History {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if len(hist) > MaxHistory {
			hist = hist[:MaxHistory]
		}
		s.history[chatID] = hist
	}

	return s, nil
}

// SetFilePath overrides the persistence path (for testing).
func (s *Store) SetFilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filePath = path
}

// Set records sessionID as the active session for chatID and moves it to
// the front of the chat's history. An existing entry with the same session
// ID is deduplicated, keeping its original start time and topic and bumping
// its message count; the topic sticks to the session's first message.
func (s *Store) Set(chatID int64, sessionID, path, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := Record{
		SessionID:    sessionID,
		Path:         path,
		Topic:        topic,
		MessageCount: 1,
		StartedAt:    now,
		LastUsedAt:   now,
	}

	hist := s.history[chatID]
	for i, existing := range hist {
		if existing.SessionID != sessionID {
			continue
		}
		rec.StartedAt = existing.StartedAt
		if existing.Topic != "" {
			rec.Topic = existing.Topic
		}
		rec.MessageCount = existing.MessageCount + 1
		hist = append(hist[:i], hist[i+1:]...)
		break
	}

	hist = append([]Record{rec}, hist...)
	if len(hist) > MaxHistory {
		hist = hist[:MaxHistory]
	}
	s.history[chatID] = hist
	s.active[chatID] = rec

	return s.saveLocked()
}

// SetTopic fills in the topic on the active session for chatID and its
// history entry, if the topic isn't already set.
func (s *Store) SetTopic(chatID int64, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[chatID]
	if !ok || rec.Topic != "" || topic == "" {
		return nil
	}
	rec.Topic = topic
	s.active[chatID] = rec

	hist := s.history[chatID]
	for i := range hist {
		if hist[i].SessionID == rec.SessionID && hist[i].Topic == "" {
			hist[i].Topic = topic
		}
	}
	return s.saveLocked()
}

// Active returns the active session for chatID, if any.
func (s *Store) Active(chatID int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[chatID]
	return rec, ok
}

// ActiveChatIDs returns the chats that have an active session recorded,
// used at startup to decide which sessions survive the restart.
func (s *Store) ActiveChatIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for chatID := range s.active {
		ids = append(ids, chatID)
	}
	return ids
}

// ClearActive drops the active session for chatID. History is untouched, so
// the session can still be resumed later. Clearing a chat with no active
// session is a no-op.
func (s *Store) ClearActive(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[chatID]; !ok {
		return nil
	}
	delete(s.active, chatID)
	return s.saveLocked()
}

// ClearHistory wipes one chat's history and active session. Other chats are
// untouched.
func (s *Store) ClearHistory(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, chatID)
	delete(s.active, chatID)
	return s.saveLocked()
}

// History returns a copy of the chat's history, most recent first.
func (s *Store) History(chatID int64) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[chatID]
	out := make([]Record, len(hist))
	copy(out, hist)
	return out
}

// FindByPrefix looks up one chat's history entry by session ID prefix. The
// prefix must match exactly one entry in that chat.
func (s *Store) FindByPrefix(chatID int64, prefix string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix == "" {
		return Record{}, ErrNotFound
	}

	var found []Record
	for _, rec := range s.history[chatID] {
		if strings.HasPrefix(rec.SessionID, prefix) {
			found = append(found, rec)
		}
	}
	switch len(found) {
	case 0:
		return Record{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Record{}, fmt.Errorf("%w: %q matches %d sessions", ErrAmbiguous, prefix, len(found))
	}
}

// LatestForPath returns the chat's most recent history entry for a working
// directory, used to offer a resume after switching projects.
func (s *Store) LatestForPath(chatID int64, path string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.history[chatID] {
		if rec.Path == path {
			return rec, true
		}
	}
	return Record{}, false
}

// saveLocked writes the store to disk. Callers must hold mu.
func (s *Store) saveLocked() error {
	file := storeFile{
		Active:  make(map[string]Record, len(s.active)),
		History: make(map[string][]Record, len(s.history)),
	}
	for chatID, rec := range s.active {
		file.Active[strconv.FormatInt(chatID, 10)] = rec
	}
	for chatID, hist := range s.history {
		file.History[strconv.FormatInt(chatID, 10)] = hist
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0644)
}
