package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telclaude/telclaude/claude"
	"github.com/telclaude/telclaude/session"
	"github.com/telclaude/telclaude/state"
	"github.com/telclaude/telclaude/telegram"
)

const startText = `👋 I relay your messages to the Claude Code CLI.

Just send a message to start working. Commands:
/new — start a fresh session
/session — show the current session
/sessions — list recent sessions to resume
/resume <id> — resume a session by short ID
/project <alias|path> — switch working directory
/mode <default|fast|plan|yolo> — permission mode
/fast — toggle fast mode
/cancel — stop the current turn
/persist — keep the session across bot restarts
/interactive — toggle live tool activity
/perspectives <n> <prompt> — n parallel takes on one prompt
/investigate <prompt> — break a question into parallel branches`

// handleCommand routes a /command message.
func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Group chats suffix commands with @botname
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/start":
		b.send(ctx, chatID, startText)
	case "/new":
		b.cmdNew(ctx, chatID)
	case "/session":
		b.cmdSession(ctx, chatID)
	case "/sessions":
		b.cmdSessions(ctx, chatID)
	case "/resume":
		b.cmdResume(ctx, chatID, args)
	case "/mode":
		b.cmdMode(ctx, chatID, args)
	case "/fast":
		b.cmdFast(ctx, chatID)
	case "/cancel":
		b.cmdCancel(ctx, chatID)
	case "/persist":
		b.cmdPersist(ctx, chatID)
	case "/interactive":
		b.cmdInteractive(ctx, chatID)
	case "/project":
		b.cmdProject(ctx, chatID, args)
	case "/perspectives":
		b.cmdPerspectives(ctx, chatID, args)
	case "/investigate":
		b.cmdInvestigate(ctx, chatID, rest)
	default:
		b.send(ctx, chatID, fmt.Sprintf("Unknown command %s. Try /start.", cmd))
	}
}

// cmdNew drops the live process and active session. History is kept.
func (b *Bot) cmdNew(ctx context.Context, chatID int64) {
	b.stopRunner(chatID)
	if err := b.cfg.Sessions.ClearActive(chatID); err != nil {
		b.log.Warn("clear active failed", "chatID", chatID, "error", err)
	}
	b.send(ctx, chatID, "🆕 Fresh session. Your next message starts from scratch.")
}

func (b *Bot) cmdSession(ctx context.Context, chatID int64) {
	rec, ok := b.cfg.Sessions.Active(chatID)
	if !ok {
		b.send(ctx, chatID, "No active session. Send a message to start one.")
		return
	}
	cs := b.cfg.State.Chat(chatID)
	lines := []string{
		fmt.Sprintf("📌 Session %s", rec.ShortID()),
		fmt.Sprintf("Directory: %s", rec.Path),
		fmt.Sprintf("Mode: %s", cs.Mode),
	}
	if rec.Topic != "" {
		lines = append(lines, fmt.Sprintf("Topic: %s", rec.Topic))
	}
	lines = append(lines,
		fmt.Sprintf("Messages: %d", rec.MessageCount),
		fmt.Sprintf("Last used: %s ago", fmtDuration(time.Since(rec.LastUsedAt))))
	b.send(ctx, chatID, strings.Join(lines, "\n"))
}

// cmdSessions lists recent sessions with resume buttons, plus transcripts
// the CLI recorded for the current directory that the bot never saw.
func (b *Bot) cmdSessions(ctx context.Context, chatID int64) {
	history := b.cfg.Sessions.History(chatID)
	cs := b.cfg.State.Chat(chatID)

	var lines []string
	var rows [][]telegram.InlineKeyboardButton
	for i, rec := range history {
		if i >= 10 {
			break
		}
		topic := rec.Topic
		if topic == "" {
			topic = "(no topic)"
		}
		lines = append(lines, fmt.Sprintf("%s — %s\n    %s, %s ago",
			rec.ShortID(), topic, rec.Path, fmtDuration(time.Since(rec.LastUsedAt))))
		token := b.registerCallback(callbackAction{kind: "resume", chatID: chatID, sessionID: rec.SessionID})
		rows = append(rows, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("▶️ %s", rec.ShortID()),
			CallbackData: token,
		}})
	}

	if b.cfg.Browser != nil {
		known := make(map[string]bool, len(history))
		for _, rec := range history {
			known[rec.SessionID] = true
		}
		transcripts, err := b.cfg.Browser.ListTranscripts(cs.Path)
		if err != nil {
			b.log.Warn("transcript listing failed", "path", cs.Path, "error", err)
		}
		var extra []string
		for _, tr := range transcripts {
			if known[tr.SessionID] || len(extra) >= 5 {
				continue
			}
			topic := tr.Topic
			if topic == "" {
				topic = "(no topic)"
			}
			extra = append(extra, fmt.Sprintf("%s — %s (%d messages)",
				shortID(tr.SessionID), topic, tr.MessageCount))
		}
		if len(extra) > 0 {
			lines = append(lines, "", "Also on disk for this directory:")
			lines = append(lines, extra...)
		}
	}

	if len(lines) == 0 {
		b.send(ctx, chatID, "No sessions yet. Send a message to start one.")
		return
	}

	text := "Recent sessions:\n" + strings.Join(lines, "\n")
	var keyboard *telegram.InlineKeyboardMarkup
	if len(rows) > 0 {
		keyboard = &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
	}
	if _, err := b.cfg.API.SendMessageWithKeyboard(ctx, chatID, text, keyboard); err != nil {
		b.log.Warn("sessions send failed", "chatID", chatID, "error", err)
	}
}

func (b *Bot) cmdResume(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.send(ctx, chatID, "Usage: /resume <session id prefix>")
		return
	}
	rec, err := b.cfg.Sessions.FindByPrefix(chatID, args[0])
	switch {
	case errors.Is(err, session.ErrNotFound):
		b.send(ctx, chatID, fmt.Sprintf("No session matches %q. See /sessions.", args[0]))
		return
	case errors.Is(err, session.ErrAmbiguous):
		b.send(ctx, chatID, fmt.Sprintf("%q matches several sessions, give more characters.", args[0]))
		return
	case err != nil:
		b.send(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	b.resumeSession(ctx, chatID, rec)
}

// resumeSession makes rec the active session. The process is respawned
// lazily with --resume on the next message.
func (b *Bot) resumeSession(ctx context.Context, chatID int64, rec session.Record) {
	b.stopRunner(chatID)
	if err := b.cfg.Sessions.Set(chatID, rec.SessionID, rec.Path, rec.Topic); err != nil {
		b.send(ctx, chatID, fmt.Sprintf("❌ Could not record the session: %v", err))
		return
	}
	b.cfg.State.Update(chatID, func(cs *state.ChatState) {
		cs.Path = rec.Path
		cs.Project = ""
	})
	topic := rec.Topic
	if topic == "" {
		topic = rec.Path
	}
	b.send(ctx, chatID, fmt.Sprintf("▶️ Resuming %s (%s). Send a message to continue.", rec.ShortID(), topic))
}

func (b *Bot) cmdMode(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 || !claude.ValidMode(args[0]) {
		var lines []string
		for _, m := range []claude.Mode{claude.ModeDefault, claude.ModeFast, claude.ModePlan, claude.ModeYolo} {
			lines = append(lines, fmt.Sprintf("%s — %s", m, claude.ModeDescriptions[m]))
		}
		b.send(ctx, chatID, "Usage: /mode <name>\n\n"+strings.Join(lines, "\n"))
		return
	}
	b.setMode(ctx, chatID, claude.Mode(args[0]))
}

// cmdFast toggles between fast and default mode.
func (b *Bot) cmdFast(ctx context.Context, chatID int64) {
	cs := b.cfg.State.Chat(chatID)
	next := claude.ModeFast
	if cs.Mode == claude.ModeFast {
		next = claude.ModeDefault
	}
	b.setMode(ctx, chatID, next)
}

// setMode persists the mode and drops the live process; the mode flag is
// fixed at spawn, so the next message respawns with --resume and the new
// flags.
func (b *Bot) setMode(ctx context.Context, chatID int64, mode claude.Mode) {
	b.cfg.State.Update(chatID, func(cs *state.ChatState) { cs.Mode = mode })
	restarted := b.stopRunner(chatID)
	msg := fmt.Sprintf("Mode: %s %s", mode, claude.ModeDescriptions[mode])
	if restarted {
		msg += "\nThe session restarts with the new mode on your next message."
	}
	b.send(ctx, chatID, msg)
}

// cmdCancel stops the current turn. Idempotent; cancelling with nothing
// running is a polite no-op.
func (b *Bot) cmdCancel(ctx context.Context, chatID int64) {
	b.mu.Lock()
	rt := b.runtimeLocked(chatID)
	runner := rt.runner
	view := rt.view
	rt.view = nil
	b.mu.Unlock()

	if runner == nil || !runner.IsRunning() {
		b.send(ctx, chatID, "Nothing to cancel.")
		return
	}

	b.stopRunner(chatID)
	if view != nil && view.messageID != 0 {
		_ = b.cfg.API.EditMessageText(ctx, chatID, view.messageID, "🛑 Cancelled.")
	} else {
		b.send(ctx, chatID, "🛑 Cancelled.")
	}
}

func (b *Bot) cmdPersist(ctx context.Context, chatID int64) {
	var now bool
	b.cfg.State.Update(chatID, func(cs *state.ChatState) {
		cs.PersistSession = !cs.PersistSession
		now = cs.PersistSession
	})
	if now {
		b.send(ctx, chatID, "💾 Session persistence on. The active session survives bot restarts.")
	} else {
		b.send(ctx, chatID, "Session persistence off.")
	}
}

func (b *Bot) cmdInteractive(ctx context.Context, chatID int64) {
	var now bool
	b.cfg.State.Update(chatID, func(cs *state.ChatState) {
		cs.InteractiveMode = !cs.InteractiveMode
		now = cs.InteractiveMode
	})
	if now {
		b.send(ctx, chatID, "🔧 Interactive mode on. Tool activity streams into the reply.")
	} else {
		b.send(ctx, chatID, "Interactive mode off. You'll see only the final answer.")
	}
}

// cmdProject switches the working directory. The live process and active
// session belong to the old directory, so both are dropped; if history has
// a session for the new directory, offer to resume it.
func (b *Bot) cmdProject(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		names := b.cfg.Projects.Names()
		b.send(ctx, chatID, "Usage: /project <alias|absolute path>\n\nKnown projects: "+strings.Join(names, ", "))
		return
	}

	path, alias, err := b.cfg.Projects.Resolve(args[0])
	if err != nil {
		b.send(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}

	cs := b.cfg.State.Chat(chatID)
	if cs.Path == path {
		b.send(ctx, chatID, fmt.Sprintf("Already in %s.", path))
		return
	}

	b.stopRunner(chatID)
	if err := b.cfg.Sessions.ClearActive(chatID); err != nil {
		b.log.Warn("clear active failed", "chatID", chatID, "error", err)
	}
	b.cfg.State.Update(chatID, func(cs *state.ChatState) {
		cs.Path = path
		cs.Project = alias
	})

	msg := fmt.Sprintf("📁 Working directory: %s", path)
	if rec, ok := b.cfg.Sessions.LatestForPath(chatID, path); ok {
		token := b.registerCallback(callbackAction{kind: "resume", chatID: chatID, sessionID: rec.SessionID})
		topic := rec.Topic
		if topic == "" {
			topic = rec.ShortID()
		}
		keyboard := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{{Text: "▶️ Resume " + rec.ShortID(), CallbackData: token}},
		}}
		msg += fmt.Sprintf("\n\nLast session here: %s", topic)
		if _, err := b.cfg.API.SendMessageWithKeyboard(ctx, chatID, msg, keyboard); err != nil {
			b.log.Warn("project send failed", "chatID", chatID, "error", err)
		}
		return
	}
	b.send(ctx, chatID, msg)
}

// callbackAction is the server-side meaning of an inline button token.
// Callback data is limited to 64 bytes, so buttons carry opaque tokens.
type callbackAction struct {
	kind      string
	chatID    int64
	sessionID string
}

// callbackCacheLimit bounds the token cache; old tokens just stop working.
const callbackCacheLimit = 200

func (b *Bot) registerCallback(action callbackAction) string {
	token := uuid.NewString()
	b.mu.Lock()
	if len(b.callbacks) >= callbackCacheLimit {
		b.callbacks = make(map[string]callbackAction)
	}
	b.callbacks[token] = action
	b.mu.Unlock()
	return token
}

func (b *Bot) handleCallback(ctx context.Context, query *telegram.CallbackQuery) {
	b.mu.Lock()
	action, ok := b.callbacks[query.Data]
	if ok {
		delete(b.callbacks, query.Data)
	}
	b.mu.Unlock()

	if !ok {
		_ = b.cfg.API.AnswerCallbackQuery(ctx, query.ID, "This button expired.")
		return
	}
	_ = b.cfg.API.AnswerCallbackQuery(ctx, query.ID, "")

	switch action.kind {
	case "resume":
		rec, err := b.cfg.Sessions.FindByPrefix(action.chatID, action.sessionID)
		if err != nil {
			b.send(ctx, action.chatID, "That session is no longer in the history.")
			return
		}
		b.resumeSession(ctx, action.chatID, rec)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
