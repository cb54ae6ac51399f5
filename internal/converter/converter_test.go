package converter

import (
	"encoding/json"
	"strings"
	"testing"

	"kiropool/internal/kiro"
)

func TestFromOpenAIToolRoundTrip(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "Weather in Oslo?"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "12C, cloudy"}
		],
		"tools": [{"type": "function", "function": {
			"name": "get_weather", "description": "Get weather",
			"parameters": {"type": "object", "properties": {"city": {"type": "string"}}}
		}}]
	}`

	var req OpenAIRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	chat, err := FromOpenAI(&req)
	if err != nil {
		t.Fatal(err)
	}

	if chat.System != "Be terse." {
		t.Errorf("system = %q", chat.System)
	}
	if len(chat.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(chat.Messages))
	}
	if len(chat.Messages[1].ToolCalls) != 1 || chat.Messages[1].ToolCalls[0].Name != "get_weather" {
		t.Errorf("assistant tool calls = %+v", chat.Messages[1].ToolCalls)
	}
	tr := chat.Messages[2].ToolResults
	if len(tr) != 1 || tr[0].ToolCallID != "call_1" || tr[0].Content != "12C, cloudy" {
		t.Errorf("tool results = %+v", tr)
	}

	gen, err := ToGenerateRequest(chat, "")
	if err != nil {
		t.Fatal(err)
	}
	mctx := gen.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	if mctx == nil || len(mctx.ToolResults) != 1 {
		t.Fatalf("expected tool results on current message, got %+v", mctx)
	}
	if mctx.ToolResults[0].ToolUseID != "call_1" || mctx.ToolResults[0].Status != "success" {
		t.Errorf("tool result = %+v", mctx.ToolResults[0])
	}
	if len(mctx.Tools) != 1 || mctx.Tools[0].ToolSpecification.Name != "get_weather" {
		t.Errorf("tool specs = %+v", mctx.Tools)
	}
}

func TestFromClaudeToolRoundTrip(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"system": [{"type": "text", "text": "Be terse."}],
		"messages": [
			{"role": "user", "content": "Weather in Oslo?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "12C, cloudy"}
			]}
		],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}]
	}`

	var req ClaudeRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	chat, err := FromClaude(&req)
	if err != nil {
		t.Fatal(err)
	}

	if chat.System != "Be terse." {
		t.Errorf("system = %q", chat.System)
	}
	if len(chat.Messages[1].ToolCalls) != 1 || chat.Messages[1].Content != "Checking." {
		t.Errorf("assistant message = %+v", chat.Messages[1])
	}
	if len(chat.Messages[2].ToolResults) != 1 {
		t.Errorf("tool results = %+v", chat.Messages[2].ToolResults)
	}

	gen, err := ToGenerateRequest(chat, "proxy system")
	if err != nil {
		t.Fatal(err)
	}
	if len(gen.ConversationState.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(gen.ConversationState.History))
	}
	assistant := gen.ConversationState.History[1].AssistantResponseMessage
	if assistant == nil || len(assistant.ToolUses) != 1 || assistant.ToolUses[0].ToolUseID != "tu_1" {
		t.Errorf("history assistant = %+v", assistant)
	}
	// Configured system prompt joins the request system.
	content := gen.ConversationState.CurrentMessage.UserInputMessage.Content
	if !strings.HasPrefix(content, "proxy system\n\nBe terse.") {
		t.Errorf("current content = %q", content)
	}
}

func TestToGenerateRequestRejectsUnknownModel(t *testing.T) {
	_, err := ToGenerateRequest(&ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, "")
	if err != kiro.ErrModelNotAvailable {
		t.Fatalf("expected ErrModelNotAvailable, got %v", err)
	}
}

func TestBuildHistoryAlternation(t *testing.T) {
	chat := &ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "user", Content: "one"},
			{Role: "user", Content: "two"},
			{Role: "assistant", Content: "reply"},
			{Role: "assistant", Content: "again"},
			{Role: "user", Content: "current"},
		},
	}
	gen, err := ToGenerateRequest(chat, "")
	if err != nil {
		t.Fatal(err)
	}

	history := gen.ConversationState.History
	for i, entry := range history {
		isUser := entry.UserInputMessage != nil
		if (i%2 == 0) != isUser {
			t.Errorf("history[%d]: alternation broken (user=%v)", i, isUser)
		}
		if entry.UserInputMessage != nil && entry.AssistantResponseMessage != nil {
			t.Errorf("history[%d]: both sides set", i)
		}
	}
	if len(history)%2 != 0 {
		t.Errorf("history length %d must be even before a user current message", len(history))
	}
	if got := gen.ConversationState.CurrentMessage.UserInputMessage.Content; got != "current" {
		t.Errorf("current message = %q", got)
	}
}

func TestToOpenAIResponseFinishReason(t *testing.T) {
	plain := ToOpenAIResponse("claude-sonnet-4-5", &kiro.CompletionResult{Content: "hi"}, 40)
	if *plain.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", *plain.Choices[0].FinishReason)
	}
	if plain.Usage.PromptTokens != 10 || plain.Usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v", plain.Usage)
	}

	withTool := ToOpenAIResponse("claude-sonnet-4-5", &kiro.CompletionResult{
		ToolUses: []kiro.ToolUse{{ToolUseID: "tu-1", Name: "f", Input: json.RawMessage(`{}`)}},
	}, 0)
	if *withTool.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %q", *withTool.Choices[0].FinishReason)
	}
	if withTool.Choices[0].Message.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("arguments = %q", withTool.Choices[0].Message.ToolCalls[0].Function.Arguments)
	}
}

func TestToClaudeResponseStopReason(t *testing.T) {
	resp := ToClaudeResponse("claude-sonnet-4-5", &kiro.CompletionResult{
		Content:  "Checking.",
		ToolUses: []kiro.ToolUse{{ToolUseID: "tu-1", Name: "f", Input: json.RawMessage(`{"a":1}`)}},
	}, 0)
	if resp.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 2 || resp.Content[0].Type != "text" || resp.Content[1].Type != "tool_use" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestOpenAIStreamTerminalEvents(t *testing.T) {
	var buf strings.Builder
	e := NewOpenAIStreamEmitter(&buf, "claude-sonnet-4-5")

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.Text("Hel")
	e.Text("lo")
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream must end with [DONE]:\n%s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("missing finish_reason:\n%s", out)
	}
	if strings.Count(out, "data: ") != 5 {
		t.Errorf("got %d data frames, want 5:\n%s", strings.Count(out, "data: "), out)
	}
}

func TestClaudeStreamTerminalEvents(t *testing.T) {
	var buf strings.Builder
	e := NewClaudeStreamEmitter(&buf, "claude-sonnet-4-5")

	e.Start()
	e.Text("Checking.")
	e.ToolCall(kiro.ToolUse{ToolUseID: "tu-1", Name: "f", Input: json.RawMessage(`{"a":1}`)})
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	order := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	}
	pos := 0
	for _, want := range order {
		idx := strings.Index(out[pos:], want)
		if idx < 0 {
			t.Fatalf("missing or out-of-order event %q:\n%s", want, out)
		}
		pos += idx + len(want)
	}
	if !strings.Contains(out, `"stop_reason":"tool_use"`) {
		t.Errorf("missing tool_use stop reason:\n%s", out)
	}
	if !strings.Contains(out, `"partial_json":"{\"a\":1}"`) {
		t.Errorf("missing input_json_delta:\n%s", out)
	}
}

func TestClaudeStreamErrorEvent(t *testing.T) {
	var buf strings.Builder
	e := NewClaudeStreamEmitter(&buf, "claude-sonnet-4-5")
	e.Start()
	e.Error(503, "upstream unavailable")

	out := buf.String()
	if !strings.Contains(out, "event: error") {
		t.Errorf("missing error event:\n%s", out)
	}
	if !strings.Contains(out, `"type":"overloaded_error"`) {
		t.Errorf("missing error type:\n%s", out)
	}
	if strings.Contains(out, "message_stop") {
		t.Errorf("aborted stream must not emit message_stop:\n%s", out)
	}
}
