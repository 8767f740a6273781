package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNoMessages is returned when a request carries an empty messages array.
var ErrNoMessages = errors.New("no messages found")

const (
	chatTriggerManual = "MANUAL"
	originAIEditor    = "AI_EDITOR"

	// continuationText is the synthetic content Kiro requires where the
	// public conversation leaves a gap in its strict user/assistant
	// alternation, or where a turn is otherwise empty.
	continuationText = "Continue"

	// toolResultsText substitutes an empty final user turn that still
	// carries tool results.
	toolResultsText = "Tool results provided."

	// danglingBraceStub is the sole text of a trailing assistant turn left
	// behind by an interrupted generation; such turns are dropped.
	danglingBraceStub = "{"
)

// BuildOptions carries everything needed to translate one public request into
// Kiro's conversationState shape.
type BuildOptions struct {
	Model        string
	MessagesJSON []byte // Anthropic-shape messages array
	System       string
	ToolsJSON    []byte // Anthropic-shape tools array, may be nil
	ProfileARN   string
	Social       bool // profileArn is attached at the root only for social auth
}

// pubMessage is a public-protocol message after the first parse pass.
type pubMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is the subset of Anthropic content block fields the translator
// reads.
type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// image
	Source *blockSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicTool is the public tool definition shape.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// normalized is a message with its content unified to either a plain string
// or a block array.
type normalized struct {
	role   string
	str    *string
	blocks []contentBlock
}

func (n *normalized) toBlocks() []contentBlock {
	if n.str != nil {
		if *n.str == "" {
			return nil
		}
		return []contentBlock{{Type: "text", Text: *n.str}}
	}
	return n.blocks
}

// text returns the concatenated text content of the message.
func (n *normalized) text() string {
	if n.str != nil {
		return *n.str
	}
	var b strings.Builder
	for _, blk := range n.blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// BuildRequest folds public-protocol messages into Kiro's conversationState
// shape: adjacent same-role turns are merged, the system prompt is prepended,
// history is forced into strict user/assistant alternation, and the final
// turn becomes currentMessage.
func BuildRequest(opts BuildOptions) (*Request, error) {
	var raw []pubMessage
	if err := json.Unmarshal(opts.MessagesJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse messages: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoMessages
	}

	msgs := make([]normalized, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, normalizeMessage(m))
	}

	msgs = mergeAdjacent(msgs)
	msgs = dropDanglingStub(msgs)
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}

	modelID := MapModel(opts.Model)

	var history []HistoryEntry
	startIndex := 0

	// System prompt handling: fold into the first user turn when possible,
	// otherwise emit it as a standalone user-style entry.
	if opts.System != "" {
		if msgs[0].role == "user" {
			first := msgs[0]
			content := opts.System
			if t := first.text(); t != "" {
				content += "\n\n" + t
			}
			entry := userEntry(content, modelID, imagesOf(&first), toolResultsOf(&first))
			history = append(history, entry)
			startIndex = 1
		} else {
			history = append(history, userEntry(opts.System, modelID, nil, nil))
		}
	}

	// All but the final message become history.
	for i := startIndex; i < len(msgs)-1; i++ {
		m := msgs[i]
		switch m.role {
		case "user":
			history = append(history, userEntry(m.text(), modelID, imagesOf(&m), toolResultsOf(&m)))
		case "assistant":
			history = append(history, HistoryEntry{
				AssistantResponseMessage: &AssistantResponseMessage{
					Content:  m.text(),
					ToolUses: toolUsesOf(&m),
				},
			})
		}
	}

	// Final message becomes currentMessage. A trailing assistant turn is
	// pushed onto history and the current turn is a synthetic continuation.
	last := msgs[len(msgs)-1]
	var current UserInputMessage
	if last.role == "assistant" {
		content := last.text()
		if content == "" {
			content = continuationText
		}
		history = append(history, HistoryEntry{
			AssistantResponseMessage: &AssistantResponseMessage{
				Content:  content,
				ToolUses: toolUsesOf(&last),
			},
		})
		current = UserInputMessage{
			Content: continuationText,
			ModelID: modelID,
			Origin:  originAIEditor,
		}
	} else {
		toolResults := toolResultsOf(&last)
		content := last.text()
		if content == "" {
			if len(toolResults) > 0 {
				content = toolResultsText
			} else {
				content = continuationText
			}
		}
		current = UserInputMessage{
			Content: content,
			ModelID: modelID,
			Origin:  originAIEditor,
			Images:  imagesOf(&last),
		}
		if len(toolResults) > 0 {
			current.UserInputMessageContext = &UserInputContext{ToolResults: toolResults}
		}

		// Kiro requires history to end with an assistant turn when the
		// current message is a user turn.
		if len(history) > 0 && !history[len(history)-1].IsAssistant() {
			history = append(history, HistoryEntry{
				AssistantResponseMessage: &AssistantResponseMessage{Content: continuationText},
			})
		}
	}

	if tools := buildToolEntries(opts.ToolsJSON); len(tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &UserInputContext{}
		}
		current.UserInputMessageContext.Tools = tools
	}

	req := &Request{
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerManual,
			ConversationID:  uuid.New().String(),
			CurrentMessage:  CurrentMessage{UserInputMessage: current},
			History:         history,
		},
	}
	if opts.Social && opts.ProfileARN != "" {
		req.ProfileARN = opts.ProfileARN
	}
	return req, nil
}

func normalizeMessage(m pubMessage) normalized {
	n := normalized{role: m.Role}

	var str string
	if err := json.Unmarshal(m.Content, &str); err == nil {
		n.str = &str
		return n
	}

	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		n.blocks = blocks
		return n
	}

	empty := ""
	n.str = &empty
	return n
}

// mergeAdjacent merges consecutive messages with the same role: two strings
// join with a newline, everything else unifies into a block array.
func mergeAdjacent(msgs []normalized) []normalized {
	if len(msgs) < 2 {
		return msgs
	}
	merged := make([]normalized, 0, len(msgs))
	for _, m := range msgs {
		if len(merged) == 0 || merged[len(merged)-1].role != m.role {
			merged = append(merged, m)
			continue
		}
		prev := &merged[len(merged)-1]
		if prev.str != nil && m.str != nil {
			joined := *prev.str + "\n" + *m.str
			prev.str = &joined
			continue
		}
		blocks := append(prev.toBlocks(), m.toBlocks()...)
		prev.str = nil
		prev.blocks = blocks
	}
	return merged
}

// dropDanglingStub removes a trailing assistant turn whose sole text is "{",
// an artifact of an interrupted prior generation.
func dropDanglingStub(msgs []normalized) []normalized {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.role == "assistant" && len(toolUsesOf(&last)) == 0 &&
		strings.TrimSpace(last.text()) == danglingBraceStub {
		return msgs[:len(msgs)-1]
	}
	return msgs
}

func userEntry(content, modelID string, images []Image, toolResults []ToolResult) HistoryEntry {
	msg := &UserInputMessage{
		Content: content,
		ModelID: modelID,
		Origin:  originAIEditor,
		Images:  images,
	}
	if len(toolResults) > 0 {
		msg.UserInputMessageContext = &UserInputContext{ToolResults: toolResults}
	}
	return HistoryEntry{UserInputMessage: msg}
}

func imagesOf(m *normalized) []Image {
	var images []Image
	for _, blk := range m.toBlocks() {
		if blk.Type != "image" || blk.Source == nil || blk.Source.Type != "base64" {
			continue
		}
		format := blk.Source.MediaType
		if idx := strings.LastIndexByte(format, '/'); idx >= 0 {
			format = format[idx+1:]
		}
		images = append(images, Image{
			Format: format,
			Source: ImageSource{Bytes: blk.Source.Data},
		})
	}
	return images
}

// toolResultsOf extracts tool results from a user turn, deduplicated by
// toolUseId with the first occurrence winning.
func toolResultsOf(m *normalized) []ToolResult {
	var results []ToolResult
	seen := make(map[string]bool)
	for _, blk := range m.toBlocks() {
		if blk.Type != "tool_result" || blk.ToolUseID == "" {
			continue
		}
		if seen[blk.ToolUseID] {
			continue
		}
		seen[blk.ToolUseID] = true
		results = append(results, ToolResult{
			Content:   []ToolResultContent{{Text: toolResultText(blk.Content)}},
			Status:    "success",
			ToolUseID: blk.ToolUseID,
		})
	}
	return results
}

// toolResultText flattens a tool_result content field, which may be a string
// or a nested block array.
func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(content)
}

func toolUsesOf(m *normalized) []ToolUse {
	var uses []ToolUse
	for _, blk := range m.toBlocks() {
		if blk.Type != "tool_use" {
			continue
		}
		input := blk.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		uses = append(uses, ToolUse{
			ToolUseID: blk.ID,
			Name:      blk.Name,
			Input:     input,
		})
	}
	return uses
}

func buildToolEntries(toolsJSON []byte) []ToolEntry {
	if len(toolsJSON) == 0 {
		return nil
	}
	var tools []anthropicTool
	if err := json.Unmarshal(toolsJSON, &tools); err != nil {
		return nil
	}
	entries := make([]ToolEntry, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		entries = append(entries, ToolEntry{
			ToolSpecification: ToolSpecification{
				Name:        t.Name,
				Description: sanitizeToolDescription(t.Name, t.Description),
				InputSchema: InputSchema{JSON: schema},
			},
		})
	}
	return entries
}
