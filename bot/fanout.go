package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telclaude/telclaude/claude"
	"github.com/telclaude/telclaude/telegram"
)

const (
	minPerspectives = 2
	maxPerspectives = 5
	// maxBranches caps both the parsed breakdown and the running one-shots.
	maxBranches = 6
)

// cmdPerspectives runs the same prompt N times in parallel, each run with
// its own live-edited message.
func (b *Bot) cmdPerspectives(ctx context.Context, chatID int64, args []string) {
	if len(args) < 2 {
		b.send(ctx, chatID, fmt.Sprintf("Usage: /perspectives <%d-%d> <prompt>", minPerspectives, maxPerspectives))
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < minPerspectives || n > maxPerspectives {
		b.send(ctx, chatID, fmt.Sprintf("The count must be %d to %d.", minPerspectives, maxPerspectives))
		return
	}
	prompt := strings.Join(args[1:], " ")
	cs := b.cfg.State.Chat(chatID)
	runID := uuid.NewString()

	b.log.Info("perspectives fan-out", "chatID", chatID, "count", n, "runID", runID)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		header := fmt.Sprintf("🔭 Perspective %d/%d", i, n)
		msg, err := b.cfg.API.SendMessage(ctx, chatID, header+" — working...")
		if err != nil {
			b.log.Warn("perspective send failed", "chatID", chatID, "error", err)
			continue
		}

		full := fmt.Sprintf("%s\n\nYou are perspective %d of %d independent takes on this question. Answer from a distinct angle; keep it under 300 words.", prompt, i, n)

		wg.Add(1)
		go func(messageID int64) {
			defer wg.Done()
			b.runFanOutShot(chatID, messageID, header, full, cs.Path, cs.Mode)
		}(msg.MessageID)
	}
	go wg.Wait()
}

// cmdInvestigate breaks a question into branch prompts with one planning
// one-shot, then runs every branch in parallel.
func (b *Bot) cmdInvestigate(ctx context.Context, chatID int64, prompt string) {
	if strings.TrimSpace(prompt) == "" {
		b.send(ctx, chatID, "Usage: /investigate <prompt>")
		return
	}
	cs := b.cfg.State.Chat(chatID)
	runID := uuid.NewString()

	planMsg, err := b.cfg.API.SendMessage(ctx, chatID, "🧭 Breaking the question down...")
	if err != nil {
		b.log.Warn("investigate send failed", "chatID", chatID, "error", err)
	}

	go func() {
		planCtx, cancel := context.WithTimeout(context.Background(), claude.TurnTimeout)
		defer cancel()

		breakdown := fmt.Sprintf("Break this question into %d or fewer independent investigation branches. Respond with ONLY a JSON array of strings, one self-contained prompt per branch, no commentary:\n\n%s", maxBranches, prompt)
		result, err := b.cfg.RunOneShot(planCtx, claude.ProcessConfig{
			Binary:     b.cfg.ClaudeBinary,
			WorkingDir: cs.Path,
			Mode:       claude.ModeFast,
			Prompt:     breakdown,
		}, b.log, nil)

		editCtx, cancelEdit := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelEdit()

		if err != nil {
			b.editOrSend(editCtx, chatID, planMsg, fmt.Sprintf("❌ Breakdown failed: %v", err))
			return
		}

		branches, err := parseBranches(result.Text)
		if err != nil {
			b.editOrSend(editCtx, chatID, planMsg, fmt.Sprintf("❌ Could not parse the breakdown: %v", err))
			return
		}

		b.log.Info("investigate fan-out", "chatID", chatID, "branches", len(branches), "runID", runID)
		b.editOrSend(editCtx, chatID, planMsg, fmt.Sprintf("🧭 Investigating %d branches:\n%s", len(branches), numberList(branches)))

		sem := make(chan struct{}, maxBranches)
		var wg sync.WaitGroup
		for i, branch := range branches {
			header := fmt.Sprintf("🔍 Branch %d: %s", i+1, topicFrom(branch))
			msg, err := b.cfg.API.SendMessage(editCtx, chatID, header+" — working...")
			if err != nil {
				b.log.Warn("branch send failed", "chatID", chatID, "error", err)
				continue
			}

			wg.Add(1)
			go func(messageID int64, branchPrompt string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				b.runFanOutShot(chatID, messageID, header, branchPrompt, cs.Path, cs.Mode)
			}(msg.MessageID, branch)
		}
		wg.Wait()
	}()
}

// runFanOutShot executes one parallel one-shot, streaming into its message
// and replacing it with the result.
func (b *Bot) runFanOutShot(chatID, messageID int64, header, prompt, path string, mode claude.Mode) {
	runCtx, cancel := context.WithTimeout(context.Background(), claude.TurnTimeout)
	defer cancel()

	view := newTurnView(chatID, prompt, false)
	view.messageID = messageID
	view.text = header + " — working..."

	result, err := b.cfg.RunOneShot(runCtx, claude.ProcessConfig{
		Binary:     b.cfg.ClaudeBinary,
		WorkingDir: path,
		Mode:       mode,
		Prompt:     prompt,
	}, b.log, func(chunk claude.ResponseChunk) {
		if chunk.Type == claude.ChunkTypeText && chunk.Content != "" {
			ctx, cancelEdit := context.WithTimeout(context.Background(), 30*time.Second)
			view.text = header + "\n\n" + chunk.Content
			b.maybeEdit(ctx, view, false)
			cancelEdit()
		}
	})

	editCtx, cancelEdit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelEdit()

	if err != nil {
		_ = b.cfg.API.EditMessageText(editCtx, chatID, messageID, fmt.Sprintf("%s\n\n❌ %v", header, err))
		return
	}

	final := fmt.Sprintf("%s\n\n%s\n\n✅ Done (%s)", header, result.Text, fmtDuration(result.Elapsed))
	if len(final) <= telegram.MaxMessageLen {
		_ = b.cfg.API.EditMessageText(editCtx, chatID, messageID, final)
		return
	}
	_ = b.cfg.API.EditMessageText(editCtx, chatID, messageID, fmt.Sprintf("%s ✅ Done (%s)", header, fmtDuration(result.Elapsed)))
	if _, err := b.cfg.API.SendChunked(editCtx, chatID, result.Text); err != nil {
		b.log.Warn("branch chunked send failed", "chatID", chatID, "error", err)
	}
}

func (b *Bot) editOrSend(ctx context.Context, chatID int64, msg *telegram.Message, text string) {
	if msg != nil {
		if err := b.cfg.API.EditMessageText(ctx, chatID, msg.MessageID, text); err == nil {
			return
		}
	}
	b.send(ctx, chatID, text)
}

// parseBranches extracts the JSON array of branch prompts, tolerating a
// fenced code block around it.
func parseBranches(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			text = text[start : end+1]
		}
	}

	var branches []string
	if err := json.Unmarshal([]byte(text), &branches); err != nil {
		return nil, fmt.Errorf("expected a JSON array of strings: %w", err)
	}

	var out []string
	for _, branch := range branches {
		branch = strings.TrimSpace(branch)
		if branch == "" {
			continue
		}
		out = append(out, branch)
		if len(out) == maxBranches {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("the breakdown produced no branches")
	}
	return out, nil
}

func numberList(items []string) string {
	var lines []string
	for i, item := range items {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, topicFrom(item)))
	}
	return strings.Join(lines, "\n")
}
