package claude

import (
	"encoding/json"
	"strings"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/tokens"
)

// Converter translates parsed Kiro stream events into the Anthropic SSE
// event sequence:
//
//	message_start, content_block_start(text), content_block_delta*,
//	content_block_stop, (tool_use blocks)*, message_delta, message_stop
//
// One converter serves one response stream.
type Converter struct {
	model     string
	messageID string

	messageStartSent bool
	textBlockOpen    bool
	contentIndex     int

	inToolUse      bool
	inputDeltaSent bool
	hadToolUse     bool

	// Dedup keys of every structured tool call, so the bracketed fallback
	// surfaces each (name, arguments) pair at most once.
	seenToolCalls map[string]bool

	// Open tool-use accumulation
	openToolName  string
	openToolInput strings.Builder

	estimatedInputTokens int
	outputBuilder        strings.Builder
}

// NewConverter creates a converter for one streaming response.
func NewConverter(model string, estimatedInputTokens int) *Converter {
	return &Converter{
		model:                model,
		messageID:            GenerateMessageID(),
		estimatedInputTokens: estimatedInputTokens,
		seenToolCalls:        make(map[string]bool),
	}
}

// MessageID returns the generated message ID.
func (c *Converter) MessageID() string { return c.messageID }

// StopReason returns "tool_use" when any tool call was emitted, else
// "end_turn".
func (c *Converter) StopReason() string {
	if c.hadToolUse {
		return "tool_use"
	}
	return "end_turn"
}

// Started reports whether message_start has been emitted.
func (c *Converter) Started() bool { return c.messageStartSent }

// Convert maps one stream event onto zero or more SSE events, in upstream
// order.
func (c *Converter) Convert(ev kiro.StreamEvent) []*SSEEvent {
	switch ev.Type {
	case kiro.EventContent:
		return c.convertContent(ev.Text)
	case kiro.EventToolUse:
		return c.convertToolUseStart(ev)
	case kiro.EventToolUseInput:
		return c.convertToolUseInput(ev.Input)
	case kiro.EventToolUseStop:
		return c.convertToolUseStop()
	default:
		return nil
	}
}

func (c *Converter) convertContent(text string) []*SSEEvent {
	var events []*SSEEvent

	if !c.messageStartSent {
		events = append(events, c.messageStart())
	}
	if !c.textBlockOpen && !c.inToolUse {
		c.textBlockOpen = true
		events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        c.contentIndex,
			ContentBlock: ContentStart{Type: "text", Text: ""},
		}})
	}

	c.outputBuilder.WriteString(text)
	events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "text_delta", Text: text},
	}})
	return events
}

func (c *Converter) convertToolUseStart(ev kiro.StreamEvent) []*SSEEvent {
	var events []*SSEEvent

	if !c.messageStartSent {
		events = append(events, c.messageStart())
	}

	// An open text block must close before the tool_use block starts.
	if c.textBlockOpen {
		events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{
			Type:  "content_block_stop",
			Index: c.contentIndex,
		}})
		c.textBlockOpen = false
		c.contentIndex++
	}

	c.inToolUse = true
	c.hadToolUse = true
	c.inputDeltaSent = false
	c.openToolName = ev.Name
	c.openToolInput.Reset()

	events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: c.contentIndex,
		ContentBlock: ContentStart{
			Type:  "tool_use",
			ID:    ev.ToolUseID,
			Name:  ev.Name,
			Input: json.RawMessage("{}"),
		},
	}})

	if ev.Input != "" {
		events = append(events, c.inputDelta(ev.Input))
	}
	return events
}

func (c *Converter) convertToolUseInput(input string) []*SSEEvent {
	if !c.inToolUse || input == "" {
		return nil
	}
	return []*SSEEvent{c.inputDelta(input)}
}

func (c *Converter) inputDelta(input string) *SSEEvent {
	c.inputDeltaSent = true
	c.openToolInput.WriteString(input)
	c.outputBuilder.WriteString(input)
	partial := input
	return &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: &partial},
	}}
}

func (c *Converter) convertToolUseStop() []*SSEEvent {
	if !c.inToolUse {
		return nil
	}

	var events []*SSEEvent

	// Clients expect at least one input_json_delta per tool_use block.
	if !c.inputDeltaSent {
		empty := "{}"
		events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: c.contentIndex,
			Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: &empty},
		}})
		c.openToolInput.WriteString("{}")
	}

	c.seenToolCalls[kiro.ToolCallKey(c.openToolName, c.openToolInput.String())] = true
	c.inToolUse = false
	c.openToolName = ""

	events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: c.contentIndex,
	}})
	c.contentIndex++
	return events
}

// Finish closes any open blocks, runs the bracketed fallback over the
// accumulated text, and terminates the stream with message_delta and
// message_stop.
func (c *Converter) Finish() []*SSEEvent {
	var events []*SSEEvent

	if !c.messageStartSent {
		events = append(events, c.messageStart())
	}

	if c.inToolUse {
		events = append(events, c.convertToolUseStop()...)
	}
	if c.textBlockOpen {
		events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{
			Type:  "content_block_stop",
			Index: c.contentIndex,
		}})
		c.textBlockOpen = false
		c.contentIndex++
	}

	// Bracketed fallback: tool calls emitted as free-form text surface as
	// synthetic tool_use blocks, deduplicated against the structured stream.
	_, extracted := kiro.ExtractBracketedToolCalls(c.outputBuilder.String(), c.seenToolCalls)
	for _, call := range extracted {
		c.hadToolUse = true
		input := call.Input
		events = append(events,
			&SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
				Type:  "content_block_start",
				Index: c.contentIndex,
				ContentBlock: ContentStart{
					Type:  "tool_use",
					ID:    call.ToolUseID,
					Name:  call.Name,
					Input: json.RawMessage("{}"),
				},
			}},
			&SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: c.contentIndex,
				Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: &input},
			}},
			&SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{
				Type:  "content_block_stop",
				Index: c.contentIndex,
			}},
		)
		c.contentIndex++
	}

	usage := c.Usage()
	events = append(events,
		&SSEEvent{Type: "message_delta", Data: MessageDeltaEvent{
			Type:  "message_delta",
			Delta: MessageDeltaData{StopReason: c.StopReason()},
			Usage: usage,
		}},
		&SSEEvent{Type: "message_stop", Data: MessageStopEvent{Type: "message_stop"}},
	)
	return events
}

// Usage returns the final token usage, with output estimated from the
// accumulated stream.
func (c *Converter) Usage() Usage {
	return Usage{
		InputTokens:  c.estimatedInputTokens,
		OutputTokens: tokens.EstimateText(c.outputBuilder.String()),
	}
}

func (c *Converter) messageStart() *SSEEvent {
	c.messageStartSent = true
	return &SSEEvent{Type: "message_start", Data: MessageStartEvent{
		Type: "message_start",
		Message: MessageStartMessage{
			ID:      c.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   c.model,
			Content: []interface{}{},
			Usage:   Usage{InputTokens: c.estimatedInputTokens},
		},
	}}
}
