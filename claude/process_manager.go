package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// readResult holds the result of a read operation for timeout handling.
type readResult struct {
	line string
	err  error
}

// Mode is the permission mode passed to the Claude CLI.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeFast    Mode = "fast"
	ModePlan    Mode = "plan"
	ModeYolo    Mode = "yolo"
)

// ValidMode reports whether s names a known permission mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeDefault, ModeFast, ModePlan, ModeYolo:
		return true
	}
	return false
}

// ModeDescriptions maps each mode to a short human-readable description
// for the /mode command.
var ModeDescriptions = map[Mode]string{
	ModeDefault: "🔒 Default - Asks for permissions",
	ModeFast:    "⚡ Fast - Quick answers, no file tools",
	ModePlan:    "📋 Plan - Only plans, no execution",
	ModeYolo:    "🔥 YOLO - Skip all permissions (dangerous!)",
}

// modeArgs returns the CLI flags for a permission mode.
func modeArgs(mode Mode) []string {
	switch mode {
	case ModeYolo:
		return []string{"--dangerously-skip-permissions"}
	case ModePlan:
		return []string{"--permission-mode", "plan"}
	case ModeFast:
		return []string{"--tools", ""}
	default:
		return nil
	}
}

// ProcessConfig holds the configuration for starting a Claude CLI process.
type ProcessConfig struct {
	Binary          string // Claude CLI binary, defaults to "claude"
	WorkingDir      string
	Mode            Mode
	ResumeSessionID string // When set, resumes an existing CLI session
	Prompt          string // One-shot prompt; empty means interactive stream-json stdin
}

// ProcessCallbacks defines callbacks that the ProcessManager invokes during
// operation.
//
// All callbacks are invoked from the ProcessManager's internal goroutines.
// Implementations should be thread-safe and avoid blocking operations that
// could delay process management.
type ProcessCallbacks struct {
	// OnLine is called for each line read from stdout.
	// The line includes the trailing newline.
	// This callback is called synchronously from the output reader goroutine.
	OnLine func(line string)

	// OnProcessExit is called once when the process exits, with the exit
	// reason (nil for clean exit) and any captured stderr output. It is not
	// called when the exit was caused by Stop() or a user interrupt.
	OnProcessExit func(err error, stderrContent string)
}

// ProcessManager manages the lifecycle of a single Claude CLI process.
// It handles starting, stopping, and monitoring. A crashed process is
// reported once via OnProcessExit; it is never respawned automatically.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string        // Captured stderr content (read by drainStderr goroutine)
	stderrDone    chan struct{} // Signals when stderr has been fully read
	running       bool
	interrupted   bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	// Context for process goroutines
	ctx    context.Context
	cancel context.CancelFunc

	// Goroutine lifecycle management
	wg sync.WaitGroup
}

// NewProcessManager creates a new ProcessManager with the given configuration and callbacks.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// BuildCommandArgs builds the command line arguments for the Claude CLI based
// on the config. Exported for testing purposes to verify argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	var args []string
	if config.Prompt != "" {
		// One-shot: single prompt, streamed output, process exits after the turn
		args = []string{
			"-p", config.Prompt,
			"--output-format", "stream-json",
			"--verbose",
		}
	} else {
		// Interactive: stream-json on both stdin and stdout
		args = []string{
			"--input-format", "stream-json",
			"--output-format", "stream-json",
			"--verbose",
		}
	}

	args = append(args, modeArgs(config.Mode)...)

	if config.ResumeSessionID != "" {
		args = append(args, "--resume", config.ResumeSessionID)
	}

	return args
}

// Start starts the Claude CLI process.
// Returns an error if the process is already running or fails to spawn.
// A spawn failure is reported exactly once via the returned error; the
// manager does not retry.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	pm.log.Info("starting process")
	startTime := time.Now()

	args := BuildCommandArgs(pm.config)

	binary := pm.config.Binary
	if binary == "" {
		binary = "claude"
	}

	pm.log.Debug("starting process", "command", binary+" "+strings.Join(args, " "))
	cmd := exec.Command(binary, args...)
	cmd.Dir = pm.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pm.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pm.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pm.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start process: %v", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	// Start goroutines to read output, drain stderr, and monitor the process.
	// Track them with WaitGroup for proper cleanup on Stop()
	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the process gracefully.
// It waits for all goroutines (readOutput, monitorExit) to complete before
// returning. Safe to call multiple times — subsequent calls are no-ops.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	// Cancel context first to signal goroutines to exit
	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")

	// Mark as not running immediately to prevent concurrent Stop() from
	// doing duplicate cleanup
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from monitorExit.
	// monitorExit is the sole caller of cmd.Wait(), and signals waitDone when
	// it completes. This avoids calling cmd.Wait() twice (undefined behavior).
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(2 * time.Second):
			pm.log.Debug("force killing process")
			cmd.Process.Kill()
			// Wait for monitorExit's cmd.Wait() to finish after kill
			<-waitDone
		}
	}

	// Wait for goroutines (readOutput, monitorExit) to complete.
	// This prevents resource leaks when a process is started/stopped quickly
	pm.log.Debug("waiting for goroutines to complete")
	pm.wg.Wait()
	pm.log.Debug("all goroutines completed")

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// Kill force-kills the process without the graceful stdin-close grace period.
// Used when a turn exceeds its hard timeout.
func (pm *ProcessManager) Kill() {
	pm.mu.Lock()
	cmd := pm.cmd
	pm.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pm.log.Warn("killing process", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
	}
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// WriteMessage writes a message to the process stdin.
func (pm *ProcessManager) WriteMessage(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}

	return nil
}

// Interrupt sends SIGINT to the process to interrupt the current operation.
func (pm *ProcessManager) Interrupt() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.log.Debug("interrupt called but process not running")
		return nil
	}

	pm.log.Info("sending SIGINT", "pid", pm.cmd.Process.Pid)

	if err := pm.cmd.Process.Signal(syscall.SIGINT); err != nil {
		pm.log.Error("failed to send SIGINT", "error", err)
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}

	return nil
}

// SetInterrupted marks the current operation as interrupted by the user.
// This suppresses the OnProcessExit callback for the expected exit.
func (pm *ProcessManager) SetInterrupted(interrupted bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.interrupted = interrupted
}

// readOutput continuously reads from stdout and invokes callbacks.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	for {
		// Check for cancellation first
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			pm.log.Debug("output reader exiting - process not running")
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			// Check if we were cancelled during the read
			select {
			case <-pm.ctx.Done():
				pm.log.Debug("output reader exiting - context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on stdout - process exited")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by monitorExit goroutine
			return
		}

		if len(line) == 0 {
			continue
		}

		if pm.callbacks.OnLine != nil {
			pm.callbacks.OnLine(line)
		}
	}
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString() cannot be cancelled (Go's blocking
// I/O limitation). That is acceptable because:
// 1. On context cancel, stdin is closed by Stop(), which unblocks the read with EOF
// 2. The goroutine will exit once the read completes (success or EOF)
//
// The channel is buffered (size 1) so the goroutine can always send its result
// even if we've already returned due to cancel, preventing a goroutine leak.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr reads all stderr content and stores it for later retrieval.
// This must run concurrently with the process so stderr is captured before
// cmd.Wait() closes the pipe.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
		pm.log.Debug("captured stderr", "content", pm.stderrContent)
	}
}

// monitorExit waits for the process to exit and handles cleanup.
// It is the sole caller of cmd.Wait() — Stop() coordinates via the
// waitDone channel instead of calling cmd.Wait() itself, preventing
// undefined behavior from double Wait().
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	// Wait for cmd.Wait() in a goroutine so we can also select on context.
	// The goroutine's result is always consumed — either for handleExit
	// or just to ensure cmd.Wait() completes before signaling waitDone.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		pm.log.Debug("process exited", "error", err)
		// Signal that cmd.Wait() has completed before handling exit,
		// so Stop() can proceed while handleExit runs
		if waitDone != nil {
			close(waitDone)
		}
		pm.handleExit(err)
	case <-pm.ctx.Done():
		pm.log.Debug("process monitor - context cancelled, waiting for cmd.Wait()")
		// Context was cancelled (Stop() called). We must still consume
		// cmd.Wait() to avoid a goroutine leak and ensure proper cleanup.
		// Stop() closes stdin and may kill the process, which unblocks Wait().
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

// handleExit handles cleanup when the process exits on its own.
func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()

	if !pm.running {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("handling process exit")

	wasInterrupted := pm.interrupted
	pm.interrupted = false // Reset for next operation
	stderrDone := pm.stderrDone

	// Check if context was cancelled (Stop() was called)
	ctxCancelled := pm.ctx != nil && pm.ctx.Err() != nil
	pm.mu.Unlock()

	// Wait for stderr to be fully drained (drainStderr goroutine reads it
	// concurrently before cmd.Wait() closes the pipe)
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	if stderrContent != "" {
		pm.log.Debug("stderr output", "content", stderrContent)
	}
	pm.cleanupLocked()
	pm.mu.Unlock()

	// An interrupted or stopped process exits by request; nothing to report
	if wasInterrupted || ctxCancelled {
		pm.log.Debug("process exit due to user interrupt or stop")
		return
	}

	if pm.callbacks.OnProcessExit != nil {
		pm.callbacks.OnProcessExit(err, stderrContent)
	}
}

// cleanupLocked cleans up process resources. Must be called with mu held.
func (pm *ProcessManager) cleanupLocked() {
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.stderrContent = ""
	pm.stderrDone = nil
	pm.waitDone = nil
	pm.running = false
}
