package claude

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuildCommandArgs(t *testing.T) {
	tests := []struct {
		name   string
		config ProcessConfig
		want   []string
	}{
		{
			name:   "interactive default mode",
			config: ProcessConfig{WorkingDir: "/tmp"},
			want: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
			},
		},
		{
			name:   "interactive with resume",
			config: ProcessConfig{ResumeSessionID: "sess-1"},
			want: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--resume", "sess-1",
			},
		},
		{
			name:   "yolo mode",
			config: ProcessConfig{Mode: ModeYolo},
			want: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--dangerously-skip-permissions",
			},
		},
		{
			name:   "plan mode",
			config: ProcessConfig{Mode: ModePlan},
			want: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--permission-mode", "plan",
			},
		},
		{
			name:   "fast mode",
			config: ProcessConfig{Mode: ModeFast},
			want: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--tools", "",
			},
		},
		{
			name:   "one-shot prompt",
			config: ProcessConfig{Prompt: "summarize this repo"},
			want: []string{
				"-p", "summarize this repo",
				"--output-format", "stream-json",
				"--verbose",
			},
		},
		{
			name:   "one-shot with mode and resume",
			config: ProcessConfig{Prompt: "continue", Mode: ModeYolo, ResumeSessionID: "sess-2"},
			want: []string{
				"-p", "continue",
				"--output-format", "stream-json",
				"--verbose",
				"--dangerously-skip-permissions",
				"--resume", "sess-2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCommandArgs(tt.config)
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("args[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidMode(t *testing.T) {
	for _, m := range []string{"default", "fast", "plan", "yolo"} {
		if !ValidMode(m) {
			t.Errorf("ValidMode(%q) = false", m)
		}
	}
	for _, m := range []string{"", "turbo", "YOLO"} {
		if ValidMode(m) {
			t.Errorf("ValidMode(%q) = true", m)
		}
	}
}

// writeScript writes an executable shell script that stands in for the
// Claude CLI. Scripts ignore the CLI flags they receive.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessManagerLifecycle(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	// Echo stdin back on stdout until EOF
	script := writeScript(t, `cat`)
	pm := NewProcessManager(ProcessConfig{Binary: script}, ProcessCallbacks{
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, strings.TrimSpace(line))
			mu.Unlock()
		},
	}, discardLogger())

	if err := pm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !pm.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}

	// Starting again while running is an error
	if err := pm.Start(); err == nil {
		t.Error("second Start should fail while running")
	}

	if err := pm.WriteMessage([]byte("hello\n")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed line")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	got := lines[0]
	mu.Unlock()
	if got != "hello" {
		t.Errorf("echoed line = %q, want hello", got)
	}

	pm.Stop()
	if pm.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}

	// Stop is safe to call again
	pm.Stop()

	// Writes after stop fail
	if err := pm.WriteMessage([]byte("late\n")); err == nil {
		t.Error("WriteMessage after Stop should fail")
	}
}

func TestProcessManagerSpawnFailure(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Binary: "definitely-not-a-real-binary-xyz"}, ProcessCallbacks{}, discardLogger())
	if err := pm.Start(); err == nil {
		t.Fatal("Start should fail for missing binary")
	}
	if pm.IsRunning() {
		t.Error("IsRunning = true after failed Start")
	}
}

func TestProcessManagerExitCallbackWithStderr(t *testing.T) {
	exitCh := make(chan string, 1)

	script := writeScript(t, `echo "boom" >&2; exit 1`)
	pm := NewProcessManager(ProcessConfig{Binary: script}, ProcessCallbacks{
		OnProcessExit: func(err error, stderrContent string) {
			exitCh <- stderrContent
		},
	}, discardLogger())

	if err := pm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case stderr := <-exitCh:
		if stderr != "boom" {
			t.Errorf("stderr = %q, want boom", stderr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnProcessExit not called for exiting process")
	}
}

func TestProcessManagerInterruptSuppressesExitCallback(t *testing.T) {
	called := make(chan struct{}, 1)

	script := writeScript(t, `cat`)
	pm := NewProcessManager(ProcessConfig{Binary: script}, ProcessCallbacks{
		OnProcessExit: func(err error, stderrContent string) {
			called <- struct{}{}
		},
	}, discardLogger())

	if err := pm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pm.SetInterrupted(true)
	pm.Kill()

	select {
	case <-called:
		t.Error("OnProcessExit called for interrupted process")
	case <-time.After(500 * time.Millisecond):
	}

	pm.Stop()
}
