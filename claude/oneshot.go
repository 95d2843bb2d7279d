package claude

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OneShotResult holds the outcome of a single prompt run.
type OneShotResult struct {
	Text      string
	SessionID string
	ToolCount int
	Elapsed   time.Duration
	IsError   bool
}

// RunOneShot spawns the CLI with -p <prompt>, streams chunks to onChunk
// (which may be nil) and returns when the turn completes. The process is
// killed when ctx is cancelled or the turn exceeds TurnTimeout.
//
// The streamed assistant text is preferred over result.result in the
// returned Text, matching interactive turn semantics.
func RunOneShot(ctx context.Context, config ProcessConfig, log *slog.Logger, onChunk func(ResponseChunk)) (OneShotResult, error) {
	if config.Prompt == "" {
		return OneShotResult{}, fmt.Errorf("one-shot run requires a prompt")
	}
	if log == nil {
		log = slog.Default()
	}

	start := time.Now()

	type turnEnd struct {
		result OneShotResult
		err    error
	}
	done := make(chan turnEnd, 1)
	chunks := make(chan ResponseChunk, responseChannelSize)

	pm := NewProcessManager(config, ProcessCallbacks{
		OnLine: func(line string) {
			for _, chunk := range parseStreamLine(line, log) {
				select {
				case chunks <- chunk:
				default:
					log.Warn("one-shot chunk dropped - channel full", "type", chunk.Type)
				}
			}
		},
		OnProcessExit: func(err error, stderrContent string) {
			exitErr := err
			if stderrContent != "" {
				exitErr = fmt.Errorf("%v: %s", err, stderrContent)
			}
			if exitErr == nil {
				exitErr = fmt.Errorf("process exited before producing a result")
			}
			select {
			case done <- turnEnd{err: exitErr}:
			default:
			}
		},
	}, log)

	if err := pm.Start(); err != nil {
		return OneShotResult{}, err
	}
	defer pm.Stop()

	timeout := time.NewTimer(TurnTimeout)
	defer timeout.Stop()

	var lastText string
	toolCount := 0

	for {
		select {
		case <-ctx.Done():
			pm.SetInterrupted(true)
			pm.Kill()
			return OneShotResult{Elapsed: time.Since(start)}, ctx.Err()

		case <-timeout.C:
			pm.SetInterrupted(true)
			pm.Kill()
			return OneShotResult{Elapsed: time.Since(start)}, ErrTurnTimeout

		case end := <-done:
			// The exit notification can race the final result line through
			// the pipes. Give already-read chunks a moment to land before
			// reporting the exit as an error.
			drain := time.After(200 * time.Millisecond)
			for {
				select {
				case chunk := <-chunks:
					switch chunk.Type {
					case ChunkTypeText:
						lastText = chunk.Content
					case ChunkTypeToolUse:
						toolCount++
					}
					if onChunk != nil {
						onChunk(chunk)
					}
					if chunk.Type == ChunkTypeResult {
						text := chunk.Content
						if lastText != "" {
							text = lastText
						}
						return OneShotResult{
							Text:      text,
							SessionID: chunk.SessionID,
							ToolCount: toolCount,
							Elapsed:   time.Since(start),
							IsError:   chunk.IsError,
						}, nil
					}
				case <-drain:
					end.result.Elapsed = time.Since(start)
					return end.result, end.err
				}
			}

		case chunk := <-chunks:
			switch chunk.Type {
			case ChunkTypeText:
				lastText = chunk.Content
			case ChunkTypeToolUse:
				toolCount++
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if chunk.Type == ChunkTypeResult {
				text := chunk.Content
				if lastText != "" {
					text = lastText
				}
				return OneShotResult{
					Text:      text,
					SessionID: chunk.SessionID,
					ToolCount: toolCount,
					Elapsed:   time.Since(start),
					IsError:   chunk.IsError,
				}, nil
			}
		}
	}
}
