package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telclaude/telclaude/claude"
	"github.com/telclaude/telclaude/logger"
	"github.com/telclaude/telclaude/session"
	"github.com/telclaude/telclaude/state"
	"github.com/telclaude/telclaude/telegram"
)

// API is the slice of the Telegram client the bot uses. Tests substitute a
// recording fake.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	SendMessage(ctx context.Context, chatID int64, text string) (*telegram.Message, error)
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *telegram.InlineKeyboardMarkup) (*telegram.Message, error)
	SendChunked(ctx context.Context, chatID int64, text string) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Config carries the bot's dependencies.
type Config struct {
	API      API
	State    *state.Store
	Sessions *session.Store
	Projects *state.Projects
	// Browser lists CLI-recorded transcripts for /sessions. Optional.
	Browser *session.Browser

	ClaudeBinary string
	PollTimeout  time.Duration

	// AllowedChat, when non-zero, restricts the bot to a single chat.
	// Updates from other chats are dropped without a reply.
	AllowedChat int64

	// NewRunner overrides interactive runner construction (for testing).
	NewRunner func(claude.RunnerConfig) claude.RunnerInterface
	// RunOneShot overrides one-shot execution (for testing).
	RunOneShot func(ctx context.Context, cfg claude.ProcessConfig, log *slog.Logger, onChunk func(claude.ResponseChunk)) (claude.OneShotResult, error)
}

// chatRuntime is the live, never-persisted part of a chat: the running
// process and the turn currently streaming into a placeholder message.
type chatRuntime struct {
	runner claude.RunnerInterface
	view   *turnView
	// spawnFailed suppresses repeat failure reports until the next message.
	spawnFailed bool
}

// Bot routes Telegram updates to Claude processes.
type Bot struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	chats     map[int64]*chatRuntime
	callbacks map[string]callbackAction
}

// New creates a Bot. Config.API, State and Sessions are required.
func New(cfg Config) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.NewRunner == nil {
		cfg.NewRunner = func(rc claude.RunnerConfig) claude.RunnerInterface {
			r := claude.NewRunner(rc)
			r.SetLogger(logger.WithChat(rc.ChatID))
			return r
		}
	}
	if cfg.RunOneShot == nil {
		cfg.RunOneShot = claude.RunOneShot
	}
	return &Bot{
		cfg:       cfg,
		log:       logger.WithComponent("bot"),
		chats:     make(map[int64]*chatRuntime),
		callbacks: make(map[string]callbackAction),
	}
}

// Run long-polls for updates until ctx is cancelled, then stops every live
// process.
func (b *Bot) Run(ctx context.Context) error {
	b.rehydrate()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		default:
		}

		updates, next, err := b.cfg.API.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.shutdown()
				return ctx.Err()
			}
			if !telegram.IsPollTimeout(err) {
				b.log.Warn("getUpdates failed", "error", err)
				time.Sleep(3 * time.Second)
			}
			continue
		}
		offset = next

		for _, update := range updates {
			b.handleUpdate(ctx, update)
		}
	}
}

// rehydrate keeps active sessions only for chats with persist-session on.
// Everyone else starts fresh after a restart; history survives either way.
// Kept processes are spawned lazily with --resume on the next message.
func (b *Bot) rehydrate() {
	for _, chatID := range b.cfg.Sessions.ActiveChatIDs() {
		cs := b.cfg.State.Chat(chatID)
		if !cs.PersistSession {
			if err := b.cfg.Sessions.ClearActive(chatID); err != nil {
				b.log.Warn("clearing stale session failed", "chatID", chatID, "error", err)
			}
			continue
		}
		if rec, ok := b.cfg.Sessions.Active(chatID); ok {
			b.log.Info("session held for resume", "chatID", chatID, "sessionID", rec.ShortID())
		}
	}
}

func (b *Bot) shutdown() {
	b.mu.Lock()
	runners := make([]claude.RunnerInterface, 0, len(b.chats))
	for _, rt := range b.chats {
		if rt.runner != nil {
			runners = append(runners, rt.runner)
		}
		rt.runner = nil
		rt.view = nil
	}
	b.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update telegram.Update) {
	if update.CallbackQuery != nil {
		if !b.chatAllowed(update.CallbackQuery.Message.ChatID()) {
			return
		}
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	chatID := msg.Chat.ID
	if !b.chatAllowed(chatID) {
		b.log.Debug("dropping update from unauthorized chat", "chatID", chatID)
		return
	}
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, text)
		return
	}
	b.handleMessage(ctx, chatID, text)
}

// chatAllowed reports whether the chat may talk to the bot.
func (b *Bot) chatAllowed(chatID int64) bool {
	return b.cfg.AllowedChat == 0 || chatID == b.cfg.AllowedChat
}

// runtime returns the chat's runtime, creating it on first touch. Callers
// must hold b.mu.
func (b *Bot) runtimeLocked(chatID int64) *chatRuntime {
	rt, ok := b.chats[chatID]
	if !ok {
		rt = &chatRuntime{}
		b.chats[chatID] = rt
	}
	return rt
}

// handleMessage implements the main flow: reuse the chat's live process if
// one is ready, otherwise spawn one and let the runner queue the message
// behind the init handshake.
func (b *Bot) handleMessage(ctx context.Context, chatID int64, text string) {
	cs := b.cfg.State.Chat(chatID)

	if !cs.SessionMode {
		b.runIsolated(ctx, chatID, cs, text)
		return
	}

	b.mu.Lock()
	rt := b.runtimeLocked(chatID)
	runner := rt.runner
	needSpawn := runner == nil || !runner.IsRunning()
	b.mu.Unlock()

	if needSpawn {
		var err error
		runner, err = b.spawn(chatID, cs)
		if err != nil {
			b.mu.Lock()
			alreadyReported := rt.spawnFailed
			rt.spawnFailed = true
			b.mu.Unlock()
			if !alreadyReported {
				b.send(ctx, chatID, fmt.Sprintf("❌ Failed to start Claude: %v", err))
			}
			return
		}
		b.mu.Lock()
		rt.runner = runner
		rt.spawnFailed = false
		b.mu.Unlock()
	}

	placeholder, err := b.cfg.API.SendMessage(ctx, chatID, "🤔 Thinking...")
	if err != nil {
		b.log.Warn("placeholder send failed", "chatID", chatID, "error", err)
	}

	view := newTurnView(chatID, text, cs.InteractiveMode)
	if placeholder != nil {
		view.messageID = placeholder.MessageID
	}
	b.mu.Lock()
	rt.view = view
	b.mu.Unlock()

	if err := runner.Send(text); err != nil {
		b.clearView(chatID)
		b.send(ctx, chatID, fmt.Sprintf("❌ Could not reach Claude: %v", err))
	}
}

// spawn starts an interactive runner for the chat, resuming the active
// session when it matches the chat's working directory.
func (b *Bot) spawn(chatID int64, cs state.ChatState) (claude.RunnerInterface, error) {
	resumeID := ""
	if rec, ok := b.cfg.Sessions.Active(chatID); ok && rec.Path == cs.Path {
		resumeID = rec.SessionID
	}

	runner := b.cfg.NewRunner(claude.RunnerConfig{
		Binary:          b.cfg.ClaudeBinary,
		WorkingDir:      cs.Path,
		Mode:            cs.Mode,
		ResumeSessionID: resumeID,
		ChatID:          chatID,
	})
	if err := runner.Start(); err != nil {
		return nil, err
	}

	go b.consume(chatID, runner)
	return runner, nil
}

// consume drains a runner's chunk stream for the life of the process.
func (b *Bot) consume(chatID int64, runner claude.RunnerInterface) {
	for chunk := range runner.Chunks() {
		b.handleChunk(chatID, runner, chunk)
	}
}

// stopRunner tears down the chat's live process, if any. Idempotent.
func (b *Bot) stopRunner(chatID int64) bool {
	b.mu.Lock()
	rt := b.runtimeLocked(chatID)
	runner := rt.runner
	rt.runner = nil
	rt.view = nil
	b.mu.Unlock()

	if runner == nil {
		return false
	}
	runner.Stop()
	return true
}

func (b *Bot) clearView(chatID int64) {
	b.mu.Lock()
	if rt, ok := b.chats[chatID]; ok {
		rt.view = nil
	}
	b.mu.Unlock()
}

// send posts a message, logging rather than propagating failures.
func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.cfg.API.SendMessage(ctx, chatID, text); err != nil {
		b.log.Warn("send failed", "chatID", chatID, "error", err)
	}
}

// topicFrom derives a history topic from the first message of a session.
// Truncation counts runes so multi-byte text never gets cut mid-character.
func topicFrom(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	const max = 50
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}

// fmtDuration renders elapsed time the way the summary line shows it.
func fmtDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%02ds", mins, secs)
}
