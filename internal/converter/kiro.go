package converter

import (
	"encoding/json"
	"strings"

	"kiropool/internal/kiro"
)

// ToGenerateRequest builds the upstream conversation from a normalized
// request. The last user turn becomes the current message; everything
// before it becomes history, padded so user and assistant entries
// alternate the way the upstream requires.
func ToGenerateRequest(req *ChatRequest, systemPrompt string) (*kiro.GenerateRequest, error) {
	modelID, ok := kiro.UpstreamModelID(req.Model)
	if !ok {
		return nil, kiro.ErrModelNotAvailable
	}

	system := joinSystem(systemPrompt, req.System)

	var tools []kiro.ToolSpecWrapper
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, kiro.ToolSpecWrapper{
			ToolSpecification: kiro.ToolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: kiro.InputSchema{JSON: params},
			},
		})
	}

	// Find the current message: the last user turn.
	last := len(req.Messages) - 1
	for last >= 0 && req.Messages[last].Role != "user" {
		last--
	}
	if last < 0 {
		// No user turn at all; synthesize one so the call is valid.
		req.Messages = append(req.Messages, Message{Role: "user", Content: "Continue."})
		last = len(req.Messages) - 1
	}

	history := buildHistory(req.Messages[:last], modelID)

	current := userInput(req.Messages[last], modelID)
	if system != "" {
		if current.Content == "" {
			current.Content = system
		} else {
			current.Content = system + "\n\n" + current.Content
		}
	}
	current.UserInputMessageContext = messageContext(req.Messages[last], tools)

	return &kiro.GenerateRequest{
		ConversationState: kiro.ConversationState{
			ChatTriggerType: "MANUAL",
			CurrentMessage:  kiro.CurrentMessage{UserInputMessage: current},
			History:         history,
		},
	}, nil
}

func joinSystem(configured, requested string) string {
	switch {
	case configured == "":
		return requested
	case requested == "":
		return configured
	default:
		return configured + "\n\n" + requested
	}
}

func buildHistory(messages []Message, modelID string) []kiro.HistoryEntry {
	var history []kiro.HistoryEntry
	expectUser := true

	for _, m := range messages {
		switch m.Role {
		case "user":
			if !expectUser {
				// Two user turns in a row; keep alternation.
				history = append(history, kiro.HistoryEntry{
					AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: "OK"},
				})
			}
			u := userInput(m, modelID)
			u.UserInputMessageContext = messageContext(m, nil)
			history = append(history, kiro.HistoryEntry{UserInputMessage: &u})
			expectUser = false
		case "assistant":
			if expectUser {
				history = append(history, kiro.HistoryEntry{
					UserInputMessage: &kiro.UserInputMessage{
						Content: "Continue.", ModelID: modelID, Origin: "AI_EDITOR",
					},
				})
			}
			entry := &kiro.AssistantResponseMessage{Content: m.Content}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				entry.ToolUses = append(entry.ToolUses, kiro.ToolUse{
					ToolUseID: tc.ID, Name: tc.Name, Input: input,
				})
			}
			history = append(history, kiro.HistoryEntry{AssistantResponseMessage: entry})
			expectUser = true
		}
	}

	// History must end on an assistant turn before the current message.
	if len(history) > 0 && !expectUser {
		history = append(history, kiro.HistoryEntry{
			AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: "OK"},
		})
	}
	return history
}

func userInput(m Message, modelID string) kiro.UserInputMessage {
	content := m.Content
	if strings.TrimSpace(content) == "" && len(m.ToolResults) > 0 {
		content = "Tool results provided."
	}
	return kiro.UserInputMessage{Content: content, ModelID: modelID, Origin: "AI_EDITOR"}
}

func messageContext(m Message, tools []kiro.ToolSpecWrapper) *kiro.UserInputMessageContext {
	if len(tools) == 0 && len(m.ToolResults) == 0 {
		return nil
	}
	mctx := &kiro.UserInputMessageContext{Tools: tools}
	for _, tr := range m.ToolResults {
		status := "success"
		if tr.IsError {
			status = "error"
		}
		mctx.ToolResults = append(mctx.ToolResults, kiro.ToolResult{
			ToolUseID: tr.ToolCallID,
			Status:    status,
			Content:   []kiro.ToolResultBlock{{Text: tr.Content}},
		})
	}
	return mctx
}
