package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/telclaude/telclaude/claude"
	"github.com/telclaude/telclaude/paths"
)

// saveDebounce coalesces bursts of state changes into one disk write.
const saveDebounce = 2 * time.Second

// ChatState holds the persisted settings for one chat.
type ChatState struct {
	// Path is the working directory Claude runs in.
	Path string `json:"path"`
	// Project is the alias name Path was resolved from, if any.
	Project string `json:"project,omitempty"`
	// Mode is the permission mode passed to the CLI.
	Mode claude.Mode `json:"mode"`
	// SessionMode keeps one interactive process alive across messages.
	// Off means every message runs as an isolated one-shot.
	SessionMode bool `json:"session_mode"`
	// PersistSession resumes the active session after a bot restart.
	PersistSession bool `json:"persist_session"`
	// InteractiveMode streams tool activity into the placeholder message.
	InteractiveMode bool `json:"interactive_mode"`
}

// Store persists chat states with debounced writes. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	filePath string
	chats    map[int64]ChatState
	defaults ChatState

	saveTimer *time.Timer
}

// Load reads the state file from the default location.
func Load(defaultPath string) (*Store, error) {
	path, err := paths.StateFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path, defaultPath)
}

// LoadFrom reads the state file from an explicit path. A missing file yields
// an empty store. Only settings are persisted, so nothing needs resetting on
// load; runtime state lives with the bot.
func LoadFrom(path, defaultPath string) (*Store, error) {
	s := &Store{
		filePath: path,
		chats:    make(map[int64]ChatState),
		defaults: ChatState{
			Path:            defaultPath,
			Mode:            claude.ModeDefault,
			SessionMode:     true,
			InteractiveMode: true,
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var file map[string]ChatState
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for key, cs := range file {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if cs.Path == "" {
			cs.Path = defaultPath
		}
		if !claude.ValidMode(string(cs.Mode)) {
			cs.Mode = claude.ModeDefault
		}
		s.chats[chatID] = cs
	}

	return s, nil
}

// Chat returns the state for chatID, falling back to defaults for chats the
// store hasn't seen.
func (s *Store) Chat(chatID int64) ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.chats[chatID]; ok {
		return cs
	}
	return s.defaults
}

// Update applies fn to the chat's state and schedules a debounced save.
func (s *Store) Update(chatID int64, fn func(*ChatState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatID]
	if !ok {
		cs = s.defaults
	}
	fn(&cs)
	s.chats[chatID] = cs
	s.scheduleSaveLocked()
}

// scheduleSaveLocked arms the debounce timer. An already-armed timer keeps
// its deadline so continuous updates still hit disk within the window.
func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		s.SaveNow()
	})
}

// SaveNow flushes pending state to disk immediately. Call on shutdown.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}

	file := make(map[string]ChatState, len(s.chats))
	for chatID, cs := range s.chats {
		file[strconv.FormatInt(chatID, 10)] = cs
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

// SetFilePath overrides the persistence path (for testing).
func (s *Store) SetFilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filePath = path
}
