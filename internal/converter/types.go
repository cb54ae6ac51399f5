// Package converter translates between the OpenAI and Claude client
// dialects and the upstream conversation format. Both ingress dialects
// normalize into ChatRequest so the pool and service layers stay
// dialect-free.
package converter

import "encoding/json"

type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	Stream      bool
	MaxTokens   int
	Temperature *float64
}

// Message is one normalized conversation turn.
type Message struct {
	Role        string // user | assistant
	Content     string
	ToolCalls   []ToolCall   // assistant turns only
	ToolResults []ToolResult // user turns only
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// estimateTokens approximates billing tokens for responses; the upstream
// does not report usage.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
