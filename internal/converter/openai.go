package converter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kiropool/internal/kiro"
)

// OpenAI /v1/chat/completions wire types.

type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAITool struct {
	Type     string            `json:"type"`
	Function OpenAIFunctionDef `json:"function"`
}

type OpenAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int                  `json:"index"`
	Message      *OpenAIChoiceMessage `json:"message,omitempty"`
	Delta        *OpenAIChoiceMessage `json:"delta,omitempty"`
	FinishReason *string              `json:"finish_reason"`
}

type OpenAIChoiceMessage struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromOpenAI normalizes an OpenAI chat request. Consecutive tool-role
// messages collapse into one user turn carrying the tool results.
func FromOpenAI(req *OpenAIRequest) (*ChatRequest, error) {
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

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := openAIContentText(m.Content)
			if err != nil {
				return nil, err
			}
			out.System = joinSystem(out.System, text)
		case "user":
			text, err := openAIContentText(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, Message{Role: "user", Content: text})
		case "assistant":
			text, err := openAIContentText(m.Content)
			if err != nil {
				return nil, err
			}
			msg := Message{Role: "assistant", Content: text}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, msg)
		case "tool":
			text, err := openAIContentText(m.Content)
			if err != nil {
				return nil, err
			}
			result := ToolResult{ToolCallID: m.ToolCallID, Content: text}
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" && len(out.Messages[n-1].ToolResults) > 0 {
				out.Messages[n-1].ToolResults = append(out.Messages[n-1].ToolResults, result)
			} else {
				out.Messages = append(out.Messages, Message{Role: "user", ToolResults: []ToolResult{result}})
			}
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	return out, nil
}

// openAIContentText flattens string-or-parts content into plain text.
func openAIContentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported content format")
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out, nil
}

// ToOpenAIResponse builds a buffered completion response.
func ToOpenAIResponse(model string, result *kiro.CompletionResult, promptChars int) *OpenAIResponse {
	msg := &OpenAIChoiceMessage{Role: "assistant", Content: result.Content}
	finish := "stop"
	for _, tu := range result.ToolUses {
		msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
			ID:   tu.ToolUseID,
			Type: "function",
			Function: OpenAIFunction{
				Name:      tu.Name,
				Arguments: string(tu.Input),
			},
		})
	}
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	prompt := promptChars / 4
	completion := estimateTokens(result.Content)
	return &OpenAIResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: OpenAIUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

type OpenAIErrorBody struct {
	Error OpenAIErrorDetail `json:"error"`
}

type OpenAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ToOpenAIError maps an HTTP status to the OpenAI error envelope.
func ToOpenAIError(status int, message string) *OpenAIErrorBody {
	errType := "api_error"
	switch {
	case status == 400:
		errType = "invalid_request_error"
	case status == 401 || status == 403:
		errType = "authentication_error"
	case status == 429:
		errType = "rate_limit_error"
	case status == 503:
		errType = "overloaded_error"
	}
	return &OpenAIErrorBody{Error: OpenAIErrorDetail{Message: message, Type: errType}}
}

// ToOpenAIErrorCode is ToOpenAIError with a machine-readable code, such
// as model_not_available when no account allows the requested model.
func ToOpenAIErrorCode(status int, code, message string) *OpenAIErrorBody {
	body := ToOpenAIError(status, message)
	body.Error.Code = code
	return body
}
