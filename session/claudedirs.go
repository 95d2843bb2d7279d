package session

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/telclaude/telclaude/logger"
	"github.com/telclaude/telclaude/paths"
)

// topicMaxLen caps the topic extracted from a transcript's first user message.
const topicMaxLen = 50

// TranscriptInfo summarizes one CLI-recorded session transcript.
type TranscriptInfo struct {
	SessionID    string
	Topic        string
	MessageCount int
	Modified     time.Time
}

// EncodeProjectPath converts a working directory to the directory name the
// Claude CLI uses under ~/.claude/projects. The encoding replaces every
// path separator with a dash, so it is not reversible; lookups always go
// from path to encoded name, never back.
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// Browser lists session transcripts the Claude CLI wrote for a project.
// Listings are cached per project and invalidated when the watcher sees
// changes in the project's transcript directory.
type Browser struct {
	mu      sync.Mutex
	root    string
	cache   map[string][]TranscriptInfo
	watched map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *slog.Logger
}

// NewBrowser creates a Browser rooted at ~/.claude/projects.
func NewBrowser() (*Browser, error) {
	root, err := paths.ClaudeProjectsDir()
	if err != nil {
		return nil, err
	}
	return NewBrowserAt(root)
}

// NewBrowserAt creates a Browser rooted at an explicit directory.
func NewBrowserAt(root string) (*Browser, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	b := &Browser{
		root:    root,
		cache:   make(map[string][]TranscriptInfo),
		watched: make(map[string]bool),
		watcher: watcher,
		done:    make(chan struct{}),
		log:     logger.WithComponent("session-browser"),
	}
	go b.watchLoop()
	return b, nil
}

// Close stops the watcher.
func (b *Browser) Close() error {
	close(b.done)
	return b.watcher.Close()
}

// ListTranscripts returns the CLI transcripts for a working directory,
// newest first. A missing project directory yields an empty list.
func (b *Browser) ListTranscripts(projectPath string) ([]TranscriptInfo, error) {
	dir := filepath.Join(b.root, EncodeProjectPath(projectPath))

	b.mu.Lock()
	if cached, ok := b.cache[dir]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []TranscriptInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		info := readTranscript(filepath.Join(dir, entry.Name()))
		info.SessionID = strings.TrimSuffix(entry.Name(), ".jsonl")
		info.Modified = fi.ModTime()
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})

	b.mu.Lock()
	b.cache[dir] = infos
	if !b.watched[dir] {
		if err := b.watcher.Add(dir); err != nil {
			b.log.Debug("could not watch transcript dir", "dir", dir, "error", err)
		} else {
			b.watched[dir] = true
		}
	}
	b.mu.Unlock()

	return infos, nil
}

// watchLoop invalidates cached listings when transcripts change.
func (b *Browser) watchLoop() {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(event.Name)
			b.mu.Lock()
			delete(b.cache, dir)
			b.mu.Unlock()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Debug("transcript watcher error", "error", err)
		}
	}
}

// transcriptLine is the subset of a CLI transcript entry needed for
// topic extraction and message counting.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// readTranscript scans a .jsonl transcript for its topic and message count.
// Malformed lines are skipped.
func readTranscript(path string) TranscriptInfo {
	var info TranscriptInfo

	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		switch line.Type {
		case "user", "assistant":
			info.MessageCount++
		default:
			continue
		}
		if info.Topic == "" && line.Type == "user" {
			if text := contentText(line.Message.Content); text != "" {
				info.Topic = truncateTopic(text)
			}
		}
	}
	return info
}

// contentText extracts readable text from a message content field, which is
// either a plain string or a list of content blocks. Command wrapper
// messages (angle-bracket tags) and tool results don't make useful topics.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return usableTopic(plain)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	for _, block := range blocks {
		if block.Type == "text" {
			if text := usableTopic(block.Text); text != "" {
				return text
			}
		}
	}
	return ""
}

func usableTopic(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

// truncateTopic counts runes so multi-byte topics never get cut mid-character.
func truncateTopic(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= topicMaxLen {
		return text
	}
	return string(runes[:topicMaxLen-3]) + "..."
}
