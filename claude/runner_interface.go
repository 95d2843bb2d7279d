package claude

// RunnerInterface defines the contract for interactive runners.
// This allows for mock implementations in tests while keeping
// the production Runner implementation unchanged.
type RunnerInterface interface {
	// Lifecycle
	Start() error
	Stop()
	Interrupt() error
	IsRunning() bool

	// Message handling
	Send(text string) error
	Chunks() <-chan ResponseChunk

	// Session state
	SessionID() string
	WorkingDir() string
	Ready() bool
}

// Ensure Runner implements RunnerInterface at compile time.
var _ RunnerInterface = (*Runner)(nil)
