package claude

// ChunkType identifies the kind of content in a ResponseChunk.
type ChunkType string

const (
	// ChunkTypeInit signals the CLI's init handshake completed; SessionID is set.
	ChunkTypeInit ChunkType = "init"
	// ChunkTypeText carries the cumulative assistant text for the current turn.
	// Each text chunk REPLACES the previous one; it is not a delta to append.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeToolUse signals the assistant invoked a tool.
	ChunkTypeToolUse ChunkType = "tool_use"
	// ChunkTypeToolResult signals a tool finished; IsError reflects failure.
	ChunkTypeToolResult ChunkType = "tool_result"
	// ChunkTypeTodoUpdate carries a full TodoWrite list for progress display.
	ChunkTypeTodoUpdate ChunkType = "todo_update"
	// ChunkTypeResult is the final message of a turn; Content holds the result
	// text and SessionID the CLI session identifier.
	ChunkTypeResult ChunkType = "result"
	// ChunkTypeError carries a fatal error for the turn.
	ChunkTypeError ChunkType = "error"
)

// ResponseChunk is a parsed unit of Claude CLI stream-json output.
type ResponseChunk struct {
	Type      ChunkType
	Content   string
	SessionID string

	// Tool fields (tool_use / tool_result)
	ToolName  string
	ToolInput string
	ToolUseID string
	IsError   bool

	// Todo fields (todo_update)
	TodoList *TodoList

	// Err is set on ChunkTypeError
	Err error
}
