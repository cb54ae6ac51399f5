package kiro

// Client-facing model names mapped to the upstream CodeWhisperer model ids.
var modelMap = map[string]string{
	"claude-opus-4-5":            "CLAUDE_OPUS_4_5_20251101_V1_0",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-haiku-4-5":           "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// Listing order for GET /v1/models.
var modelOrder = []string{
	"claude-opus-4-5",
	"claude-sonnet-4-5",
	"claude-haiku-4-5",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
}

// UpstreamModelID maps a client model name to the upstream id.
func UpstreamModelID(model string) (string, bool) {
	id, ok := modelMap[model]
	return id, ok
}

// AvailableModels returns the client-facing model allow-list in listing order.
func AvailableModels() []string {
	out := make([]string, len(modelOrder))
	copy(out, modelOrder)
	return out
}
