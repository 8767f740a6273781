// Package kiro implements the protocol adapter for the Kiro (AWS
// CodeWhisperer) upstream: request translation into conversationState,
// event-stream parsing, tool-call extraction, and credential refresh.
package kiro

import (
	"bytes"
	"encoding/json"
)

// Request is the top-level body sent to the Kiro generate endpoints.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the conversation history and the current turn.
type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// CurrentMessage wraps the user input for the current turn.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry holds exactly one of a user or assistant message. Kiro
// requires strict alternation between the two kinds.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// IsAssistant reports whether the entry is an assistant turn.
func (h HistoryEntry) IsAssistant() bool {
	return h.AssistantResponseMessage != nil
}

// UserInputMessage is a user turn in Kiro's wire format.
type UserInputMessage struct {
	Content                 string            `json:"content"`
	ModelID                 string            `json:"modelId,omitempty"`
	Origin                  string            `json:"origin,omitempty"`
	Images                  []Image           `json:"images,omitempty"`
	UserInputMessageContext *UserInputContext `json:"userInputMessageContext,omitempty"`
}

// AssistantResponseMessage is an assistant turn in Kiro's wire format.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// UserInputContext carries tool specifications and tool results for a user
// turn.
type UserInputContext struct {
	Tools       []ToolEntry  `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolEntry wraps one tool specification.
type ToolEntry struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification describes one callable tool.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema of a tool's arguments.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolUse is a completed tool invocation on an assistant turn.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of a prior tool invocation, attached to a user
// turn.
type ToolResult struct {
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

// ToolResultContent is one content part of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// Image is an inline image on a user turn. Format is the media-type suffix
// ("png", "jpeg"); Bytes carries the base64 payload.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds the image payload.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// MarshalNoHTMLEscape marshals v without escaping <, >, and &. Kiro rejects
// bodies carrying Go's default HTML escapes with "Improperly formed request".
func MarshalNoHTMLEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
