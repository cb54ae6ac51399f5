package converter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"kiropool/internal/kiro"
)

// StreamEmitter renders upstream frames as SSE in one client dialect.
// Call order: Start once, then any mix of Text/ToolCall, then Finish.
// Error may be called instead of Finish to abort mid-stream.
type StreamEmitter interface {
	Start() error
	Text(delta string) error
	ToolCall(tu kiro.ToolUse) error
	Finish() error
	Error(status int, message string) error
}

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w io.Writer) sseWriter {
	flusher, _ := w.(http.Flusher)
	return sseWriter{w: w, flusher: flusher}
}

func (s sseWriter) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s sseWriter) raw(line string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", line); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// OpenAIStreamEmitter emits chat.completion.chunk SSE frames.
type OpenAIStreamEmitter struct {
	sse       sseWriter
	id        string
	created   int64
	model     string
	toolIndex int
	sawTool   bool
}

func NewOpenAIStreamEmitter(w io.Writer, model string) *OpenAIStreamEmitter {
	return &OpenAIStreamEmitter{
		sse:     newSSEWriter(w),
		id:      "chatcmpl-" + uuid.New().String(),
		created: time.Now().Unix(),
		model:   model,
	}
}

func (e *OpenAIStreamEmitter) chunk(delta *OpenAIChoiceMessage, finish *string) error {
	return e.sse.raw(mustJSON(OpenAIResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}))
}

func (e *OpenAIStreamEmitter) Start() error {
	return e.chunk(&OpenAIChoiceMessage{Role: "assistant"}, nil)
}

func (e *OpenAIStreamEmitter) Text(delta string) error {
	if delta == "" {
		return nil
	}
	return e.chunk(&OpenAIChoiceMessage{Content: delta}, nil)
}

func (e *OpenAIStreamEmitter) ToolCall(tu kiro.ToolUse) error {
	e.sawTool = true
	call := OpenAIToolCall{
		ID:       tu.ToolUseID,
		Type:     "function",
		Function: OpenAIFunction{Name: tu.Name, Arguments: string(tu.Input)},
	}
	err := e.sse.raw(mustJSON(map[string]interface{}{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]interface{}{{
			"index": 0,
			"delta": map[string]interface{}{
				"tool_calls": []map[string]interface{}{{
					"index":    e.toolIndex,
					"id":       call.ID,
					"type":     call.Type,
					"function": map[string]string{"name": call.Function.Name, "arguments": call.Function.Arguments},
				}},
			},
			"finish_reason": nil,
		}},
	}))
	e.toolIndex++
	return err
}

func (e *OpenAIStreamEmitter) Finish() error {
	finish := "stop"
	if e.sawTool {
		finish = "tool_calls"
	}
	if err := e.chunk(&OpenAIChoiceMessage{}, &finish); err != nil {
		return err
	}
	return e.sse.raw("[DONE]")
}

func (e *OpenAIStreamEmitter) Error(status int, message string) error {
	if err := e.sse.raw(mustJSON(ToOpenAIError(status, message))); err != nil {
		return err
	}
	return e.sse.raw("[DONE]")
}

// ClaudeStreamEmitter emits the Anthropic messages event sequence.
type ClaudeStreamEmitter struct {
	sse        sseWriter
	id         string
	model      string
	blockIndex int
	textOpen   bool
	sawTool    bool
	outputLen  int
}

func NewClaudeStreamEmitter(w io.Writer, model string) *ClaudeStreamEmitter {
	return &ClaudeStreamEmitter{
		sse:   newSSEWriter(w),
		id:    "msg_" + uuid.New().String(),
		model: model,
	}
}

func (e *ClaudeStreamEmitter) Start() error {
	return e.sse.event("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (e *ClaudeStreamEmitter) Text(delta string) error {
	if delta == "" {
		return nil
	}
	if !e.textOpen {
		if err := e.sse.event("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         e.blockIndex,
			"content_block": map[string]string{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
		e.textOpen = true
	}
	e.outputLen += len(delta)
	return e.sse.event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]string{"type": "text_delta", "text": delta},
	})
}

func (e *ClaudeStreamEmitter) closeTextBlock() error {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	err := e.sse.event("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	})
	e.blockIndex++
	return err
}

func (e *ClaudeStreamEmitter) ToolCall(tu kiro.ToolUse) error {
	if err := e.closeTextBlock(); err != nil {
		return err
	}
	e.sawTool = true

	if err := e.sse.event("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": e.blockIndex,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    tu.ToolUseID,
			"name":  tu.Name,
			"input": map[string]interface{}{},
		},
	}); err != nil {
		return err
	}
	if err := e.sse.event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]string{"type": "input_json_delta", "partial_json": string(tu.Input)},
	}); err != nil {
		return err
	}
	err := e.sse.event("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	})
	e.blockIndex++
	return err
}

func (e *ClaudeStreamEmitter) Finish() error {
	if err := e.closeTextBlock(); err != nil {
		return err
	}
	stop := "end_turn"
	if e.sawTool {
		stop = "tool_use"
	}
	if err := e.sse.event("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": e.outputLen / 4},
	}); err != nil {
		return err
	}
	return e.sse.event("message_stop", map[string]interface{}{"type": "message_stop"})
}

func (e *ClaudeStreamEmitter) Error(status int, message string) error {
	body := ToClaudeError(status, message)
	return e.sse.event("error", body)
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
