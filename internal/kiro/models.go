package kiro

// modelTable maps public Claude model names to Kiro model IDs.
// Haiku/Opus use lowercase dot format, Sonnet uses uppercase format.
var modelTable = map[string]string{
	// Haiku models - lowercase dot format
	"claude-haiku-4-5":          "claude-haiku-4.5",
	"claude-haiku-4-5-20251001": "claude-haiku-4.5",
	// Opus models - lowercase dot format
	"claude-opus-4-5":          "claude-opus-4.5",
	"claude-opus-4-5-20251101": "claude-opus-4.5",
	// Sonnet models - uppercase format
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	// Amazon Q aliases - same API, streaming endpoint differs
	"amazonq-claude-sonnet-4-5": "amazonq-claude-sonnet-4.5",
	"amazonq-claude-opus-4-5":   "amazonq-claude-opus-4.5",
	"amazonq-claude-haiku-4-5":  "amazonq-claude-haiku-4.5",
}

// DefaultModelID is used when a requested model is not in the table.
const DefaultModelID = "CLAUDE_SONNET_4_5_20250929_V1_0"

// MapModel maps a public model name to a Kiro model ID, falling back to the
// default for unknown names.
func MapModel(model string) string {
	if id, ok := modelTable[model]; ok {
		return id
	}
	return DefaultModelID
}

// KnownModels returns the public model names the gateway accepts, for
// GET /v1/models.
func KnownModels() []string {
	return []string{
		"claude-haiku-4-5",
		"claude-haiku-4-5-20251001",
		"claude-opus-4-5",
		"claude-opus-4-5-20251101",
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-20250929",
		"claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219",
		"amazonq-claude-sonnet-4-5",
		"amazonq-claude-opus-4-5",
		"amazonq-claude-haiku-4-5",
	}
}
