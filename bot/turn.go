package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telclaude/telclaude/claude"
	"github.com/telclaude/telclaude/state"
	"github.com/telclaude/telclaude/telegram"
)

// editThrottle is the minimum gap between placeholder edits. The final edit
// of a turn is always sent.
const editThrottle = 500 * time.Millisecond

// maxStatusLines caps the tool activity shown above the streaming text.
const maxStatusLines = 8

// turnView is the in-flight display state of one turn: the placeholder
// message being edited and everything rendered into it.
type turnView struct {
	chatID      int64
	messageID   int64
	interactive bool
	userText    string

	statusLines []string
	todoLine    string
	text        string

	startedAt time.Time
	toolCount int
	lastEdit  time.Time
	lastShown string
}

func newTurnView(chatID int64, userText string, interactive bool) *turnView {
	return &turnView{
		chatID:      chatID,
		userText:    userText,
		interactive: interactive,
		startedAt:   time.Now(),
	}
}

// render composes the placeholder content: recent tool activity, todo
// progress, then the streaming text.
func (v *turnView) render() string {
	var parts []string
	if v.interactive && len(v.statusLines) > 0 {
		lines := v.statusLines
		if len(lines) > maxStatusLines {
			lines = lines[len(lines)-maxStatusLines:]
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if v.todoLine != "" {
		parts = append(parts, v.todoLine)
	}
	if v.text != "" {
		parts = append(parts, v.text)
	}
	if len(parts) == 0 {
		return "🤔 Thinking..."
	}
	return strings.Join(parts, "\n\n")
}

// handleChunk applies one stream chunk to the chat's current turn. Chunks
// from a runner that is no longer the chat's live one are dropped.
func (b *Bot) handleChunk(chatID int64, runner claude.RunnerInterface, chunk claude.ResponseChunk) {
	b.mu.Lock()
	rt, ok := b.chats[chatID]
	if !ok || rt.runner != runner {
		b.mu.Unlock()
		return
	}
	view := rt.view
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch chunk.Type {
	case claude.ChunkTypeInit:
		// Handshake bookkeeping happens in the runner

	case claude.ChunkTypeText:
		if view == nil {
			return
		}
		view.text = chunk.Content
		b.maybeEdit(ctx, view, false)

	case claude.ChunkTypeToolUse:
		if view == nil {
			return
		}
		view.toolCount++
		status := "🔧 " + claude.FormatToolVerb(chunk.ToolName)
		if chunk.ToolInput != "" {
			status += ": " + chunk.ToolInput
		}
		view.statusLines = append(view.statusLines, status)
		b.maybeEdit(ctx, view, false)

	case claude.ChunkTypeToolResult:
		if view == nil || !chunk.IsError {
			return
		}
		view.statusLines = append(view.statusLines, "⚠️ Tool call failed")
		b.maybeEdit(ctx, view, false)

	case claude.ChunkTypeTodoUpdate:
		if view == nil || chunk.TodoList == nil {
			return
		}
		view.todoLine = "📝 " + chunk.TodoList.Progress()
		b.maybeEdit(ctx, view, false)

	case claude.ChunkTypeResult:
		if view == nil {
			return
		}
		b.finishTurn(ctx, chatID, runner, view, chunk)
		b.clearView(chatID)

	case claude.ChunkTypeError:
		b.reportTurnError(ctx, chatID, runner, view, chunk.Err)
	}
}

// maybeEdit updates the placeholder if the content changed and the throttle
// window has passed. force bypasses the throttle for final edits.
func (b *Bot) maybeEdit(ctx context.Context, view *turnView, force bool) {
	if view.messageID == 0 {
		return
	}
	content := view.render()
	if content == view.lastShown {
		return
	}
	if !force && time.Since(view.lastEdit) < editThrottle {
		return
	}

	if err := b.cfg.API.EditMessageText(ctx, view.chatID, view.messageID, content); err != nil {
		// Stale edits during streaming are routine
		b.log.Debug("placeholder edit failed", "chatID", view.chatID, "error", err)
	}
	view.lastEdit = time.Now()
	view.lastShown = content
}

// finishTurn replaces the placeholder with the final answer and summary,
// and records the session for resuming.
func (b *Bot) finishTurn(ctx context.Context, chatID int64, runner claude.RunnerInterface, view *turnView, chunk claude.ResponseChunk) {
	text := chunk.Content
	if text == "" {
		text = "(no response)"
	}
	summary := fmt.Sprintf("✅ Done (%s, %s)", fmtDuration(time.Since(view.startedAt)), pluralTools(view.toolCount))
	if chunk.IsError {
		summary = fmt.Sprintf("❌ Failed (%s)", fmtDuration(time.Since(view.startedAt)))
	}

	final := text + "\n\n" + summary
	if len(final) <= telegram.MaxMessageLen {
		view.text = text
		view.statusLines = nil
		view.todoLine = ""
		if view.messageID != 0 {
			if err := b.cfg.API.EditMessageText(ctx, view.chatID, view.messageID, final); err != nil {
				b.log.Debug("final edit failed", "chatID", chatID, "error", err)
				b.send(ctx, chatID, final)
			}
		} else {
			b.send(ctx, chatID, final)
		}
	} else {
		// Long answers get their own messages; the placeholder keeps the summary
		if view.messageID != 0 {
			_ = b.cfg.API.EditMessageText(ctx, view.chatID, view.messageID, summary)
		}
		if _, err := b.cfg.API.SendChunked(ctx, chatID, text); err != nil {
			b.log.Warn("chunked send failed", "chatID", chatID, "error", err)
		}
	}

	sessionID := chunk.SessionID
	if sessionID == "" {
		sessionID = runner.SessionID()
	}
	if sessionID != "" {
		if err := b.cfg.Sessions.Set(chatID, sessionID, runner.WorkingDir(), topicFrom(view.userText)); err != nil {
			b.log.Warn("session record failed", "chatID", chatID, "error", err)
		}
	}
}

// reportTurnError surfaces a runner error, then stops the failed process so
// its goroutines and pipes are torn down; the next message respawns.
func (b *Bot) reportTurnError(ctx context.Context, chatID int64, runner claude.RunnerInterface, view *turnView, err error) {
	var msg string
	switch {
	case errors.Is(err, claude.ErrTurnTimeout):
		msg = "⏱️ Turn timed out after 5 minutes. The process was stopped; send a new message to continue."
	case errors.Is(err, claude.ErrInitFailed):
		msg = "❌ Claude never finished starting up. Your message was not delivered."
	default:
		msg = fmt.Sprintf("❌ Claude stopped: %v", err)
	}

	if view != nil && view.messageID != 0 {
		if editErr := b.cfg.API.EditMessageText(ctx, chatID, view.messageID, msg); editErr != nil {
			b.send(ctx, chatID, msg)
		}
	} else {
		b.send(ctx, chatID, msg)
	}

	b.mu.Lock()
	if rt, ok := b.chats[chatID]; ok && rt.runner == runner {
		rt.runner = nil
		rt.view = nil
	}
	b.mu.Unlock()

	runner.Stop()
}

// runIsolated handles a message with session mode off: one self-contained
// one-shot process, streamed into its own placeholder.
func (b *Bot) runIsolated(ctx context.Context, chatID int64, cs state.ChatState, text string) {
	placeholder, err := b.cfg.API.SendMessage(ctx, chatID, "🤔 Thinking...")
	if err != nil {
		b.log.Warn("placeholder send failed", "chatID", chatID, "error", err)
	}

	view := newTurnView(chatID, text, cs.InteractiveMode)
	if placeholder != nil {
		view.messageID = placeholder.MessageID
	}

	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), claude.TurnTimeout)
		defer cancel()

		result, err := b.cfg.RunOneShot(runCtx, claude.ProcessConfig{
			Binary:     b.cfg.ClaudeBinary,
			WorkingDir: cs.Path,
			Mode:       cs.Mode,
			Prompt:     text,
		}, b.log, func(chunk claude.ResponseChunk) {
			b.applyOneShotChunk(view, chunk)
		})

		editCtx, cancelEdit := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelEdit()

		if err != nil {
			b.reportOneShotError(editCtx, chatID, view, err)
			return
		}

		summary := fmt.Sprintf("✅ Done (%s, %s)", fmtDuration(result.Elapsed), pluralTools(result.ToolCount))
		final := result.Text + "\n\n" + summary
		if len(final) <= telegram.MaxMessageLen && view.messageID != 0 {
			_ = b.cfg.API.EditMessageText(editCtx, chatID, view.messageID, final)
		} else {
			if view.messageID != 0 {
				_ = b.cfg.API.EditMessageText(editCtx, chatID, view.messageID, summary)
			}
			if _, err := b.cfg.API.SendChunked(editCtx, chatID, result.Text); err != nil {
				b.log.Warn("chunked send failed", "chatID", chatID, "error", err)
			}
		}
	}()
}

func (b *Bot) applyOneShotChunk(view *turnView, chunk claude.ResponseChunk) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch chunk.Type {
	case claude.ChunkTypeText:
		view.text = chunk.Content
		b.maybeEdit(ctx, view, false)
	case claude.ChunkTypeToolUse:
		view.toolCount++
		if view.interactive {
			status := "🔧 " + claude.FormatToolVerb(chunk.ToolName)
			if chunk.ToolInput != "" {
				status += ": " + chunk.ToolInput
			}
			view.statusLines = append(view.statusLines, status)
			b.maybeEdit(ctx, view, false)
		}
	case claude.ChunkTypeTodoUpdate:
		if chunk.TodoList != nil {
			view.todoLine = "📝 " + chunk.TodoList.Progress()
			b.maybeEdit(ctx, view, false)
		}
	}
}

func (b *Bot) reportOneShotError(ctx context.Context, chatID int64, view *turnView, err error) {
	msg := fmt.Sprintf("❌ Run failed: %v", err)
	if errors.Is(err, claude.ErrTurnTimeout) || errors.Is(err, context.DeadlineExceeded) {
		msg = "⏱️ Run timed out after 5 minutes."
	}
	if view.messageID != 0 {
		if editErr := b.cfg.API.EditMessageText(ctx, chatID, view.messageID, msg); editErr == nil {
			return
		}
	}
	b.send(ctx, chatID, msg)
}

func pluralTools(n int) string {
	if n == 1 {
		return "1 tool"
	}
	return fmt.Sprintf("%d tools", n)
}
