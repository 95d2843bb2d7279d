package claude

import (
	"sync"
)

// MockRunner is a test double for Runner that doesn't spawn real processes.
// Tests push chunks with EmitChunk and inspect messages via SentMessages.
type MockRunner struct {
	mu sync.Mutex

	sessionID  string
	workingDir string
	ready      bool
	running    bool
	stopped    bool

	sent   []string
	chunks chan ResponseChunk

	// StartErr, when set, is returned by Start to simulate spawn failure.
	StartErr error
	// SendErr, when set, is returned by Send.
	SendErr error
}

// NewMockRunner creates a mock runner for testing.
func NewMockRunner(sessionID, workingDir string) *MockRunner {
	return &MockRunner{
		sessionID:  sessionID,
		workingDir: workingDir,
		chunks:     make(chan ResponseChunk, responseChannelSize),
	}
}

func (m *MockRunner) Start() error {
	if m.StartErr != nil {
		return m.StartErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.ready = true
	return nil
}

func (m *MockRunner) Send(text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

// SentMessages returns a copy of all messages passed to Send.
func (m *MockRunner) SentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// EmitChunk pushes a chunk to the consumer, as the real runner would.
func (m *MockRunner) EmitChunk(chunk ResponseChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if chunk.SessionID != "" {
		m.sessionID = chunk.SessionID
	}
	m.chunks <- chunk
}

func (m *MockRunner) Chunks() <-chan ResponseChunk {
	return m.chunks
}

func (m *MockRunner) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *MockRunner) WorkingDir() string {
	return m.workingDir
}

func (m *MockRunner) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *MockRunner) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockRunner) Interrupt() error {
	return nil
}

// Stop is idempotent, like the real runner's.
func (m *MockRunner) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.running = false
	close(m.chunks)
}

// Stopped reports whether Stop has been called.
func (m *MockRunner) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Ensure MockRunner implements RunnerInterface at compile time.
var _ RunnerInterface = (*MockRunner)(nil)
