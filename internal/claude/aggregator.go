package claude

import (
	"encoding/json"
	"strings"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/tokens"
)

// Aggregator collects stream events into a complete non-streaming response.
type Aggregator struct {
	model     string
	messageID string

	text       strings.Builder
	toolUses   []aggregatedToolUse
	openTool   *aggregatedToolUse
	seenCalls  map[string]bool
	hadToolUse bool

	estimatedInputTokens int
}

type aggregatedToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// NewAggregator creates an aggregator for one response.
func NewAggregator(model string, estimatedInputTokens int) *Aggregator {
	return &Aggregator{
		model:                model,
		messageID:            GenerateMessageID(),
		seenCalls:            make(map[string]bool),
		estimatedInputTokens: estimatedInputTokens,
	}
}

// MessageID returns the generated message ID.
func (a *Aggregator) MessageID() string { return a.messageID }

// Add processes one stream event.
func (a *Aggregator) Add(ev kiro.StreamEvent) {
	switch ev.Type {
	case kiro.EventContent:
		a.text.WriteString(ev.Text)
	case kiro.EventToolUse:
		a.finishOpenTool()
		a.openTool = &aggregatedToolUse{id: ev.ToolUseID, name: ev.Name}
		if ev.Input != "" {
			a.openTool.input.WriteString(ev.Input)
		}
	case kiro.EventToolUseInput:
		if a.openTool != nil {
			a.openTool.input.WriteString(ev.Input)
		}
	case kiro.EventToolUseStop:
		a.finishOpenTool()
	}
}

func (a *Aggregator) finishOpenTool() {
	if a.openTool == nil {
		return
	}
	tool := a.openTool
	a.openTool = nil

	key := kiro.ToolCallKey(tool.name, tool.input.String())
	if a.seenCalls[key] {
		return
	}
	a.seenCalls[key] = true
	a.hadToolUse = true
	a.toolUses = append(a.toolUses, *tool)
}

// Build finalizes the response: the bracketed fallback runs over the
// accumulated text (removing the bracket from visible content), tool inputs
// parse into JSON where possible, and usage is estimated.
func (a *Aggregator) Build() *MessageResponse {
	a.finishOpenTool()

	rawText := a.text.String()
	cleanText, extracted := kiro.ExtractBracketedToolCalls(rawText, a.seenCalls)
	for _, call := range extracted {
		a.hadToolUse = true
		tool := aggregatedToolUse{id: call.ToolUseID, name: call.Name}
		tool.input.WriteString(call.Input)
		a.toolUses = append(a.toolUses, tool)
	}
	var content []ContentBlock
	if cleanText != "" || len(a.toolUses) == 0 {
		content = append(content, ContentBlock{Type: "text", Text: cleanText})
	}
	for i := range a.toolUses {
		content = append(content, ContentBlock{
			Type:  "tool_use",
			ID:    a.toolUses[i].id,
			Name:  a.toolUses[i].name,
			Input: toolInputJSON(a.toolUses[i].input.String()),
		})
	}

	stopReason := "end_turn"
	if a.hadToolUse {
		stopReason = "tool_use"
	}

	outputTokens := tokens.EstimateText(rawText)
	return &MessageResponse{
		ID:           a.messageID,
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        a.model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: Usage{
			InputTokens:  a.estimatedInputTokens,
			OutputTokens: outputTokens,
		},
	}
}

// toolInputJSON parses accumulated tool input into an object, repairing the
// common breakages first. Input that still fails to parse is propagated as a
// JSON string rather than hidden.
func toolInputJSON(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	repaired := kiro.RepairJSON(raw)
	if json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
