// Package claude wraps the Claude Code CLI for interactive and one-shot use.
//
// # Overview
//
// The package manages Claude CLI subprocesses speaking the stream-json
// protocol: user messages are written as JSON lines on stdin, and stdout
// events (init, assistant, tool results, result) are parsed into
// ResponseChunks.
//
// # Runner
//
// Runner drives one long-lived interactive process for one chat:
//
//	runner := claude.NewRunner(claude.RunnerConfig{WorkingDir: dir, Mode: claude.ModeDefault})
//	if err := runner.Start(); err != nil { ... }
//	runner.Send("Hello")
//	for chunk := range runner.Chunks() {
//	    switch chunk.Type {
//	    case claude.ChunkTypeText:
//	        // cumulative text for the turn - replaces, never appends
//	    case claude.ChunkTypeResult:
//	        // turn complete
//	    }
//	}
//
// A message sent before the CLI's init handshake completes is parked as the
// single pending outbound message and flushed exactly once, with a retry
// budget of MaxInitAttempts at InitRetryInterval. Each turn is bounded by
// TurnTimeout; on expiry the process is killed and the turn reported failed.
//
// # One-shot runs
//
// RunOneShot spawns the CLI with -p <prompt> and returns the final text once
// the turn completes. It shares the parser, permission modes, and timeout
// semantics with the interactive path.
//
// # Thread Safety
//
// Runner is thread-safe. Stop is idempotent and may be called from any
// goroutine at any time.
package claude
