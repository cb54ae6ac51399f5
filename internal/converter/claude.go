package converter

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"kiropool/internal/kiro"
)

// Claude /v1/messages wire types.

type ClaudeRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []ClaudeMessage `json:"messages"`
	Tools       []ClaudeTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ClaudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromClaude normalizes a Claude messages request.
func FromClaude(req *ClaudeRequest) (*ChatRequest, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	out := &ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	system, err := claudeSystemText(req.System)
	if err != nil {
		return nil, err
	}
	out.System = system

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
		msg, err := claudeMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}

	return out, nil
}

func claudeSystemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("unsupported system format")
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out, nil
}

func claudeMessage(m ClaudeMessage) (Message, error) {
	msg := Message{Role: m.Role}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		msg.Content = s
		return msg, nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return msg, fmt.Errorf("unsupported content format for role %q", m.Role)
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += b.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		case "tool_result":
			msg.ToolResults = append(msg.ToolResults, ToolResult{
				ToolCallID: b.ToolUseID,
				Content:    claudeToolResultText(b.Content),
				IsError:    b.IsError,
			})
		}
	}
	return msg, nil
}

func claudeToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToClaudeResponse builds a buffered messages response.
func ToClaudeResponse(model string, result *kiro.CompletionResult, promptChars int) *ClaudeResponse {
	var content []ClaudeContentBlock
	if result.Content != "" {
		content = append(content, ClaudeContentBlock{Type: "text", Text: result.Content})
	}
	stop := "end_turn"
	for _, tu := range result.ToolUses {
		content = append(content, ClaudeContentBlock{
			Type:  "tool_use",
			ID:    tu.ToolUseID,
			Name:  tu.Name,
			Input: tu.Input,
		})
	}
	if len(result.ToolUses) > 0 {
		stop = "tool_use"
	}
	if content == nil {
		content = []ClaudeContentBlock{{Type: "text", Text: ""}}
	}

	return &ClaudeResponse{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stop,
		Usage: ClaudeUsage{
			InputTokens:  promptChars / 4,
			OutputTokens: estimateTokens(result.Content),
		},
	}
}

type ClaudeErrorBody struct {
	Type  string            `json:"type"`
	Error ClaudeErrorDetail `json:"error"`
}

type ClaudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToClaudeError maps an HTTP status to the Anthropic error envelope.
func ToClaudeError(status int, message string) *ClaudeErrorBody {
	errType := "api_error"
	switch {
	case status == 400:
		errType = "invalid_request_error"
	case status == 401 || status == 403:
		errType = "authentication_error"
	case status == 404:
		errType = "not_found_error"
	case status == 429:
		errType = "rate_limit_error"
	case status == 503:
		errType = "overloaded_error"
	}
	return &ClaudeErrorBody{Type: "error", Error: ClaudeErrorDetail{Type: errType, Message: message}}
}

// ToClaudeErrorCode replaces the envelope error type with a
// machine-readable code when one applies.
func ToClaudeErrorCode(status int, code, message string) *ClaudeErrorBody {
	body := ToClaudeError(status, message)
	if code != "" {
		body.Error.Type = code
	}
	return body
}
