package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// InitRetryInterval is how often the pending message flush is retried
	// while waiting for the CLI's init handshake.
	InitRetryInterval = 1 * time.Second
	// MaxInitAttempts is the number of flush attempts before the session is
	// declared failed.
	MaxInitAttempts = 5
	// TurnTimeout is the hard ceiling for a single turn. When it fires the
	// process is killed and the turn reported as timed out.
	TurnTimeout = 5 * time.Minute

	// responseChannelSize buffers chunks so the reader goroutine is not
	// blocked on a slow consumer.
	responseChannelSize = 100
)

// ErrTurnTimeout is reported when a turn exceeds TurnTimeout.
var ErrTurnTimeout = fmt.Errorf("turn exceeded %s", TurnTimeout)

// ErrInitFailed is reported when the CLI never completed its init handshake.
var ErrInitFailed = fmt.Errorf("session failed to initialize after %d attempts", MaxInitAttempts)

// outboundMessage is the JSON line written to the CLI's stdin for each user turn.
type outboundMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func encodeOutbound(text string) ([]byte, error) {
	var m outboundMessage
	m.Type = "user"
	m.Message.Role = "user"
	m.Message.Content = text
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunnerConfig configures an interactive Runner.
type RunnerConfig struct {
	Binary          string
	WorkingDir      string
	Mode            Mode
	ResumeSessionID string
	ChatID          int64 // for log correlation only
}

// handshakeState tracks the init handshake and the single pending outbound
// message. The pending message is flushed at most once: either when the init
// event arrives or from the retry ticker, whichever wins.
type handshakeState struct {
	ready        bool
	pending      string
	hasPending   bool
	initAttempts int
	retryStop    chan struct{}
}

// streamingState accumulates per-turn output. Assistant text chunks replace
// the previous accumulation; the final result prefers it over result.result.
type streamingState struct {
	lastText  string
	toolCount int
	turnStart time.Time
	turnTimer *time.Timer
	active    bool
}

// Runner drives one interactive Claude CLI process for one chat.
// It owns the process lifecycle, the init handshake, the per-turn timeout,
// and translates raw stream lines into ResponseChunks on Chunks().
type Runner struct {
	config RunnerConfig
	log    *slog.Logger

	pm *ProcessManager

	mu        sync.Mutex
	sessionID string
	handshake handshakeState
	streaming streamingState

	chunks       chan ResponseChunk
	chunksClosed bool

	stopOnce sync.Once
}

// NewRunner creates a Runner for one chat. Call Start before Send.
func NewRunner(config RunnerConfig) *Runner {
	r := &Runner{
		config: config,
		log:    slog.Default().With("chatID", config.ChatID),
		chunks: make(chan ResponseChunk, responseChannelSize),
	}
	return r
}

// SetLogger replaces the runner's logger. Must be called before Start. The
// caller attaches scope fields; see logger.WithChat.
func (r *Runner) SetLogger(log *slog.Logger) {
	r.log = log
}

// Chunks returns the channel of parsed response chunks.
// The channel is closed when the runner stops.
func (r *Runner) Chunks() <-chan ResponseChunk {
	return r.chunks
}

// SessionID returns the CLI session ID once known, or the resume ID before init.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != "" {
		return r.sessionID
	}
	return r.config.ResumeSessionID
}

// WorkingDir returns the directory the process runs in.
func (r *Runner) WorkingDir() string {
	return r.config.WorkingDir
}

// Ready reports whether the init handshake has completed.
func (r *Runner) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handshake.ready
}

// IsRunning reports whether the underlying process is alive.
func (r *Runner) IsRunning() bool {
	return r.pm != nil && r.pm.IsRunning()
}

// Start spawns the CLI process. A spawn failure is returned once and the
// runner is left stopped; callers must not retry through the same runner.
func (r *Runner) Start() error {
	pm := NewProcessManager(ProcessConfig{
		Binary:          r.config.Binary,
		WorkingDir:      r.config.WorkingDir,
		Mode:            r.config.Mode,
		ResumeSessionID: r.config.ResumeSessionID,
	}, ProcessCallbacks{
		OnLine:        r.handleProcessLine,
		OnProcessExit: r.handleProcessExit,
	}, r.log)

	if err := pm.Start(); err != nil {
		return err
	}
	r.pm = pm
	return nil
}

// Send delivers a user message to the CLI. Before the init handshake it
// parks the message as the single pending outbound message and arms the
// retry ticker; after init it writes straight to stdin and arms the turn
// timeout.
func (r *Runner) Send(text string) error {
	r.mu.Lock()

	if r.handshake.ready {
		r.mu.Unlock()
		return r.writeTurn(text)
	}

	// Not ready yet - park the message. A second Send before init replaces
	// the parked message; only one pending message exists at a time.
	r.handshake.pending = text
	r.handshake.hasPending = true
	alreadyRetrying := r.handshake.retryStop != nil
	if !alreadyRetrying {
		r.handshake.retryStop = make(chan struct{})
		r.handshake.initAttempts = 0
	}
	stop := r.handshake.retryStop
	r.mu.Unlock()

	r.log.Debug("message parked pending init handshake")

	if !alreadyRetrying {
		go r.retryInit(stop)
	}
	return nil
}

// writeTurn writes one user message to stdin and starts the turn clock.
func (r *Runner) writeTurn(text string) error {
	data, err := encodeOutbound(text)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if r.pm == nil {
		return fmt.Errorf("process not started")
	}
	if err := r.pm.WriteMessage(data); err != nil {
		return err
	}

	r.mu.Lock()
	r.streaming.lastText = ""
	r.streaming.toolCount = 0
	r.streaming.turnStart = time.Now()
	r.streaming.active = true
	if r.streaming.turnTimer != nil {
		r.streaming.turnTimer.Stop()
	}
	r.streaming.turnTimer = time.AfterFunc(TurnTimeout, r.handleTurnTimeout)
	r.mu.Unlock()

	r.log.Debug("turn started", "length", len(text))
	return nil
}

// retryInit re-attempts the pending flush every InitRetryInterval until the
// handshake completes or the attempt budget is spent. The flush itself is
// guarded so the message is delivered at most once even if the init event
// races the ticker.
func (r *Runner) retryInit(stop chan struct{}) {
	ticker := time.NewTicker(InitRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.handshake.ready || !r.handshake.hasPending {
			r.mu.Unlock()
			return
		}
		r.handshake.initAttempts++
		attempts := r.handshake.initAttempts
		r.mu.Unlock()

		r.log.Debug("init handshake not complete", "attempt", attempts)

		if attempts >= MaxInitAttempts {
			r.log.Warn("init handshake never completed", "attempts", attempts)
			r.mu.Lock()
			r.handshake.hasPending = false
			r.handshake.pending = ""
			r.mu.Unlock()
			r.sendChunk(ResponseChunk{Type: ChunkTypeError, Err: ErrInitFailed})
			return
		}
	}
}

// flushPending delivers the parked message exactly once after init.
func (r *Runner) flushPending() {
	r.mu.Lock()
	if !r.handshake.hasPending {
		r.mu.Unlock()
		return
	}
	text := r.handshake.pending
	// Clear before writing so a racing flush cannot deliver twice
	r.handshake.hasPending = false
	r.handshake.pending = ""
	if r.handshake.retryStop != nil {
		close(r.handshake.retryStop)
		r.handshake.retryStop = nil
	}
	r.mu.Unlock()

	if err := r.writeTurn(text); err != nil {
		r.log.Error("failed to flush pending message", "error", err)
		r.sendChunk(ResponseChunk{Type: ChunkTypeError, Err: err})
	} else {
		r.log.Debug("pending message flushed after init")
	}
}

// handleProcessLine parses one stdout line and forwards the resulting chunks.
func (r *Runner) handleProcessLine(line string) {
	for _, chunk := range parseStreamLine(line, r.log) {
		r.handleChunk(chunk)
	}
}

// handleChunk applies runner-side bookkeeping before forwarding a chunk.
func (r *Runner) handleChunk(chunk ResponseChunk) {
	switch chunk.Type {
	case ChunkTypeInit:
		r.mu.Lock()
		r.handshake.ready = true
		if chunk.SessionID != "" {
			r.sessionID = chunk.SessionID
		}
		r.mu.Unlock()
		r.log.Info("init handshake complete", "sessionID", chunk.SessionID)
		r.flushPending()

	case ChunkTypeText:
		r.mu.Lock()
		r.streaming.lastText = chunk.Content
		r.mu.Unlock()

	case ChunkTypeToolUse:
		r.mu.Lock()
		r.streaming.toolCount++
		r.mu.Unlock()

	case ChunkTypeResult:
		r.mu.Lock()
		if r.streaming.turnTimer != nil {
			r.streaming.turnTimer.Stop()
			r.streaming.turnTimer = nil
		}
		r.streaming.active = false
		if chunk.SessionID != "" {
			r.sessionID = chunk.SessionID
		}
		// The streamed text is the authoritative turn output; result.result
		// can lag or hold an abbreviated rendering.
		if r.streaming.lastText != "" {
			chunk.Content = r.streaming.lastText
		}
		r.mu.Unlock()
	}

	r.sendChunk(chunk)
}

// handleTurnTimeout kills the process when a turn runs past TurnTimeout.
func (r *Runner) handleTurnTimeout() {
	r.mu.Lock()
	if !r.streaming.active {
		r.mu.Unlock()
		return
	}
	r.streaming.active = false
	r.mu.Unlock()

	r.log.Warn("turn timeout - killing process")
	if r.pm != nil {
		r.pm.SetInterrupted(true)
		r.pm.Kill()
	}
	r.sendChunk(ResponseChunk{Type: ChunkTypeError, Err: ErrTurnTimeout})
}

// handleProcessExit reports an unexpected process death once.
func (r *Runner) handleProcessExit(err error, stderrContent string) {
	exitErr := err
	if stderrContent != "" {
		if exitErr != nil {
			exitErr = fmt.Errorf("%v: %s", err, stderrContent)
		} else {
			exitErr = fmt.Errorf("process exited: %s", stderrContent)
		}
	}
	if exitErr == nil {
		exitErr = fmt.Errorf("process exited unexpectedly")
	}
	r.log.Warn("process exited", "error", exitErr)
	r.sendChunk(ResponseChunk{Type: ChunkTypeError, Err: exitErr})
}

// TurnStats reports elapsed time and tool count for the current or last turn.
func (r *Runner) TurnStats() (elapsed time.Duration, toolCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streaming.turnStart.IsZero() {
		return 0, r.streaming.toolCount
	}
	return time.Since(r.streaming.turnStart), r.streaming.toolCount
}

// Interrupt sends SIGINT to the process, ending the current turn early.
func (r *Runner) Interrupt() error {
	if r.pm == nil {
		return nil
	}
	return r.pm.Interrupt()
}

// Stop tears the runner down: timers, process, chunk channel.
// Safe to call any number of times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.log.Debug("stopping runner")

		r.mu.Lock()
		if r.handshake.retryStop != nil {
			close(r.handshake.retryStop)
			r.handshake.retryStop = nil
		}
		r.handshake.hasPending = false
		r.handshake.pending = ""
		if r.streaming.turnTimer != nil {
			r.streaming.turnTimer.Stop()
			r.streaming.turnTimer = nil
		}
		r.streaming.active = false
		r.mu.Unlock()

		if r.pm != nil {
			r.pm.SetInterrupted(true)
			r.pm.Stop()
		}

		r.mu.Lock()
		r.chunksClosed = true
		close(r.chunks)
		r.mu.Unlock()
	})
}

// sendChunk forwards a chunk unless the runner is stopped or the consumer
// has fallen hopelessly behind. Dropping is preferable to blocking the
// process reader goroutine.
func (r *Runner) sendChunk(chunk ResponseChunk) {
	// The non-blocking send happens under mu so Stop() cannot close the
	// channel between the closed check and the send.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunksClosed {
		return
	}

	select {
	case r.chunks <- chunk:
	default:
		r.log.Warn("chunk dropped - response channel full", "type", chunk.Type)
	}
}
