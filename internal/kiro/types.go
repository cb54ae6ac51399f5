package kiro

import "encoding/json"

// Wire types for the CodeWhisperer generateAssistantResponse call.

type GenerateRequest struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry holds exactly one of its two fields.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
	Images                  []Image                  `json:"images,omitempty"`
}

type UserInputMessageContext struct {
	Tools       []ToolSpecWrapper `json:"tools,omitempty"`
	ToolResults []ToolResult      `json:"toolResults,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolSpecWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type ToolResult struct {
	ToolUseID string            `json:"toolUseId"`
	Status    string            `json:"status"`
	Content   []ToolResultBlock `json:"content"`
}

type ToolResultBlock struct {
	Text string `json:"text,omitempty"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Event payloads decoded from the eventstream.

type AssistantResponseEvent struct {
	Content string `json:"content"`
}

type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// Token refresh payloads.

type SocialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type SocialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

type OIDCRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

type OIDCTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Usage limit payloads.

type UsageLimitsRequest struct {
	ProfileArn   string `json:"profileArn,omitempty"`
	IsEmbedded   bool   `json:"isEmbedded"`
	Origin       string `json:"origin"`
	ResourceType string `json:"resourceType,omitempty"`
}

// UsageSnapshot is the aggregated view computed from getUsageLimits.
type UsageSnapshot struct {
	Used        float64 `json:"used"`
	Limit       float64 `json:"limit"`
	Percent     float64 `json:"percent"`
	Exhausted   bool    `json:"exhausted"`
	AccountType string  `json:"accountType"` // FREE | PRO | UNKNOWN
	Raw         string  `json:"-"`
}
