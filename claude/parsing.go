package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage represents a JSON message from Claude's stream-json output
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		Content []struct {
			Type      string          `json:"type"` // "text", "tool_use", "tool_result", "thinking"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`        // tool name
			Input     json.RawMessage `json:"input,omitempty"`       // tool input
			ToolUseID string          `json:"tool_use_id,omitempty"` // tool use ID reference (for tool_result)
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result       string  `json:"result,omitempty"` // Final result text
	IsError      bool    `json:"is_error,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// parseStreamLine parses a JSON line from Claude's stream-json output and
// returns zero or more ResponseChunks representing the message content.
// Malformed or non-JSON lines are dropped silently; the CLI with --verbose
// can interleave informational output that must never crash the reader.
func parseStreamLine(line string, log *slog.Logger) []ResponseChunk {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "{") {
		log.Debug("skipping non-JSON line from Claude CLI", "line", truncateForLog(line))
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return nil
	}

	if msg.Type == "" {
		log.Warn("unrecognized JSON message type", "line", truncateForLog(line))
		return nil
	}

	var chunks []ResponseChunk

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("session initialized", "sessionID", msg.SessionID)
			chunks = append(chunks, ResponseChunk{
				Type:      ChunkTypeInit,
				SessionID: msg.SessionID,
			})
		}

	case "assistant":
		// Assistant messages carry the full text so far for this turn; each
		// one replaces the previous. Tool use blocks ride alongside.
		var texts []string
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					texts = append(texts, content.Text)
				}
			case "tool_use":
				// TodoWrite input is the full todo list - surface it as progress
				if content.Name == "TodoWrite" {
					todoList, err := ParseTodoWriteInput(content.Input)
					if err != nil {
						log.Warn("failed to parse TodoWrite input", "error", err)
						// Fall through to regular tool use display on parse error
					} else {
						chunks = append(chunks, ResponseChunk{
							Type:     ChunkTypeTodoUpdate,
							TodoList: todoList,
						})
						log.Debug("TodoWrite parsed", "itemCount", len(todoList.Items))
						continue
					}
				}

				inputDesc := extractToolInputDescription(content.Name, content.Input)
				chunks = append(chunks, ResponseChunk{
					Type:      ChunkTypeToolUse,
					ToolName:  content.Name,
					ToolInput: inputDesc,
					ToolUseID: content.ID,
				})
				log.Debug("tool use", "tool", content.Name, "id", content.ID, "input", inputDesc)
			}
		}
		if len(texts) > 0 {
			chunks = append(chunks, ResponseChunk{
				Type:    ChunkTypeText,
				Content: strings.Join(texts, "\n"),
			})
		}

	case "user":
		// User messages in stream-json are tool results
		for _, content := range msg.Message.Content {
			isToolResult := content.Type == "tool_result" || content.ToolUseID != ""
			if isToolResult {
				log.Debug("tool result received", "toolUseID", content.ToolUseID, "isError", content.IsError)
				chunks = append(chunks, ResponseChunk{
					Type:      ChunkTypeToolResult,
					ToolUseID: content.ToolUseID,
					IsError:   content.IsError,
				})
			}
		}

	case "result":
		log.Debug("result received", "subtype", msg.Subtype, "durationMs", msg.DurationMs)
		chunks = append(chunks, ResponseChunk{
			Type:      ChunkTypeResult,
			Content:   msg.Result,
			SessionID: msg.SessionID,
			IsError:   msg.IsError || strings.HasPrefix(msg.Subtype, "error"),
		})
	}

	return chunks
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string // JSON field to extract
	ShortenPath bool   // Whether to shorten file paths to just filename
	MaxLen      int    // Maximum length before truncation (0 = no limit)
}

// toolInputConfigs maps tool names to their input extraction configuration.
var toolInputConfigs = map[string]toolInputConfig{
	// File operations - extract file_path and shorten to filename
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	// Search operations - extract the pattern/query
	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	// Command execution - show the command with truncation
	"Bash": {Field: "command", MaxLen: 40},

	// Task delegation - show the description
	"Task": {Field: "description"},

	// Web operations - show URL with truncation
	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription extracts a brief, human-readable description from tool input.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			return formatToolInput(value, cfg.ShortenPath, cfg.MaxLen)
		}
	}

	// Default: return first string value found
	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

// formatToolInput formats a tool input value according to the config.
func formatToolInput(value string, shorten bool, maxLen int) string {
	if shorten {
		value = shortenPath(value)
	}
	if maxLen > 0 {
		value = truncateString(value, maxLen)
	}
	return value
}

// truncateString truncates a string to maxLen characters, including "..." suffix.
// A maxLen of 0 means no limit.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// shortenPath returns just the filename or last path component
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// FormatToolVerb returns a human-readable verb for the tool type, used to
// build status lines like "Reading main.go" or "Running: go test ./...".
func FormatToolVerb(toolName string) string {
	switch toolName {
	case "Read":
		return "Reading"
	case "Edit":
		return "Editing"
	case "Write":
		return "Writing"
	case "Glob", "Grep", "WebSearch":
		return "Searching"
	case "Bash":
		return "Running"
	case "Task":
		return "Delegating"
	case "WebFetch":
		return "Fetching"
	// TodoWrite is handled via ChunkTypeTodoUpdate and won't reach here
	default:
		return "Using"
	}
}
