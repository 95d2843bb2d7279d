package claude

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStreamLineInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc-123"}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Type != ChunkTypeInit {
		t.Errorf("Type = %q, want init", chunks[0].Type)
	}
	if chunks[0].SessionID != "abc-123" {
		t.Errorf("SessionID = %q, want abc-123", chunks[0].SessionID)
	}
}

func TestParseStreamLineAssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Type != ChunkTypeText {
		t.Errorf("Type = %q, want text", chunks[0].Type)
	}
	if chunks[0].Content != "Hello world" {
		t.Errorf("Content = %q, want Hello world", chunks[0].Content)
	}
}

func TestParseStreamLineToolUse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantTool  string
		wantInput string
	}{
		{
			name:      "read shortens path",
			line:      `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/home/user/project/main.go"}}]}}`,
			wantTool:  "Read",
			wantInput: "main.go",
		},
		{
			name:      "bash truncates command",
			line:      `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"go test ./... -run TestSomethingWithAVeryLongName -v -count=1"}}]}}`,
			wantTool:  "Bash",
			wantInput: "go test ./... -run TestSomethingWi...",
		},
		{
			name:      "grep keeps pattern",
			line:      `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t3","name":"Grep","input":{"pattern":"func main"}}]}}`,
			wantTool:  "Grep",
			wantInput: "func main",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := parseStreamLine(tt.line, discardLogger())
			if len(chunks) != 1 {
				t.Fatalf("got %d chunks, want 1", len(chunks))
			}
			c := chunks[0]
			if c.Type != ChunkTypeToolUse {
				t.Fatalf("Type = %q, want tool_use", c.Type)
			}
			if c.ToolName != tt.wantTool {
				t.Errorf("ToolName = %q, want %q", c.ToolName, tt.wantTool)
			}
			if c.ToolInput != tt.wantInput {
				t.Errorf("ToolInput = %q, want %q", c.ToolInput, tt.wantInput)
			}
		})
	}
}

func TestParseStreamLineTodoWrite(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"TodoWrite","input":{"todos":[{"content":"Write tests","status":"completed","activeForm":"Writing tests"},{"content":"Run tests","status":"in_progress","activeForm":"Running tests"}]}}]}}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Type != ChunkTypeTodoUpdate {
		t.Fatalf("Type = %q, want todo_update", c.Type)
	}
	if got := len(c.TodoList.Items); got != 2 {
		t.Errorf("todo items = %d, want 2", got)
	}
	if got := c.TodoList.Progress(); got != "✓ 1/2 tasks · Running tests" {
		t.Errorf("Progress = %q", got)
	}
}

func TestParseStreamLineToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":true}]}}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Type != ChunkTypeToolResult {
		t.Fatalf("Type = %q, want tool_result", c.Type)
	}
	if c.ToolUseID != "t1" {
		t.Errorf("ToolUseID = %q, want t1", c.ToolUseID)
	}
	if !c.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestParseStreamLineResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"All done","session_id":"abc-123","duration_ms":1234}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Type != ChunkTypeResult {
		t.Fatalf("Type = %q, want result", c.Type)
	}
	if c.Content != "All done" {
		t.Errorf("Content = %q, want All done", c.Content)
	}
	if c.SessionID != "abc-123" {
		t.Errorf("SessionID = %q", c.SessionID)
	}
	if c.IsError {
		t.Error("IsError = true for success result")
	}
}

func TestParseStreamLineErrorResult(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","result":"boom"}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !chunks[0].IsError {
		t.Error("IsError = false for error subtype")
	}
}

func TestParseStreamLineMalformedDropped(t *testing.T) {
	// Malformed and non-JSON lines are dropped without chunks or panics
	lines := []string{
		"",
		"   ",
		"not json at all",
		"Warning: something from the CLI",
		`{"type":"assistant","message":{"content":[{`,
		`{"unknown_field":true}`,
	}
	for _, line := range lines {
		if chunks := parseStreamLine(line, discardLogger()); chunks != nil {
			t.Errorf("line %q produced chunks: %v", line, chunks)
		}
	}
}

func TestParseStreamLineMultipleContentBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Let me check"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.go"}}]}}`
	chunks := parseStreamLine(line, discardLogger())

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// Tool use is emitted first, then the joined text
	if chunks[0].Type != ChunkTypeToolUse {
		t.Errorf("chunks[0].Type = %q, want tool_use", chunks[0].Type)
	}
	if chunks[1].Type != ChunkTypeText {
		t.Errorf("chunks[1].Type = %q, want text", chunks[1].Type)
	}
}

func TestExtractToolInputDescriptionFallback(t *testing.T) {
	// Unknown tool falls back to the first string value
	input := json.RawMessage(`{"something":"value here"}`)
	got := extractToolInputDescription("Mystery", input)
	if got != "value here" {
		t.Errorf("got %q, want value here", got)
	}

	// Empty and invalid inputs give empty descriptions
	if got := extractToolInputDescription("Read", nil); got != "" {
		t.Errorf("nil input gave %q", got)
	}
	if got := extractToolInputDescription("Read", json.RawMessage(`[1,2]`)); got != "" {
		t.Errorf("non-object input gave %q", got)
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"short", 40, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is too long for the limit", 10, "this is..."},
		{"abc", 0, "abc"},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncateString(tt.s, tt.maxLen); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
		}
	}
}

func TestFormatToolVerb(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"Read", "Reading"},
		{"Bash", "Running"},
		{"Grep", "Searching"},
		{"WebFetch", "Fetching"},
		{"SomethingNew", "Using"},
	}
	for _, tt := range tests {
		if got := FormatToolVerb(tt.tool); got != tt.want {
			t.Errorf("FormatToolVerb(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}
