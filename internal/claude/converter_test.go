package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/kiro"
)

func eventTypes(events []*SSEEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestConverter_TextOnlyStream(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 12)

	var all []*SSEEvent
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: "Hello"})...)
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: " world"})...)
	all = append(all, c.Finish()...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(all))

	start := all[0].Data.(MessageStartEvent)
	assert.Equal(t, "assistant", start.Message.Role)
	assert.Equal(t, 12, start.Message.Usage.InputTokens)
	assert.True(t, strings.HasPrefix(start.Message.ID, "msg_"))

	delta := all[2].Data.(ContentBlockDeltaEvent)
	assert.Equal(t, "text_delta", delta.Delta.Type)

	msgDelta := all[5].Data.(MessageDeltaEvent)
	assert.Equal(t, "end_turn", msgDelta.Delta.StopReason)
	assert.Equal(t, 12, msgDelta.Usage.InputTokens)
	assert.Positive(t, msgDelta.Usage.OutputTokens)
}

// The streaming tool-use scenario: text, then a tool call whose arguments
// arrive in two fragments.
func TestConverter_StreamingWithToolUse(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)

	var all []*SSEEvent
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: "Let me check"})...)
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventToolUse, Name: "lookup", ToolUseID: "t1", Input: `{"q":`})...)
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventToolUseInput, ToolUseID: "t1", Input: `"x"}`})...)
	all = append(all, c.Convert(kiro.StreamEvent{Type: kiro.EventToolUseStop, ToolUseID: "t1"})...)
	all = append(all, c.Finish()...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text, index 0
		"content_block_delta", // "Let me check"
		"content_block_stop",  // index 0
		"content_block_start", // tool_use, index 1
		"content_block_delta", // input_json_delta fragment 1
		"content_block_delta", // input_json_delta fragment 2
		"content_block_stop",  // index 1
		"message_delta",
		"message_stop",
	}, eventTypes(all))

	textStart := all[1].Data.(ContentBlockStartEvent)
	assert.Equal(t, 0, textStart.Index)
	assert.Equal(t, "text", textStart.ContentBlock.Type)

	toolStart := all[4].Data.(ContentBlockStartEvent)
	assert.Equal(t, 1, toolStart.Index)
	assert.Equal(t, "tool_use", toolStart.ContentBlock.Type)
	assert.Equal(t, "t1", toolStart.ContentBlock.ID)
	assert.Equal(t, "lookup", toolStart.ContentBlock.Name)

	frag1 := all[5].Data.(ContentBlockDeltaEvent)
	require.NotNil(t, frag1.Delta.PartialJSON)
	assert.Equal(t, `{"q":`, *frag1.Delta.PartialJSON)
	frag2 := all[6].Data.(ContentBlockDeltaEvent)
	require.NotNil(t, frag2.Delta.PartialJSON)
	assert.Equal(t, `"x"}`, *frag2.Delta.PartialJSON)

	msgDelta := all[8].Data.(MessageDeltaEvent)
	assert.Equal(t, "tool_use", msgDelta.Delta.StopReason)
}

func TestConverter_ToolUseOnlyStartsAtIndexZero(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)

	events := c.Convert(kiro.StreamEvent{Type: kiro.EventToolUse, Name: "f", ToolUseID: "t1"})
	require.Len(t, events, 2) // message_start + content_block_start
	start := events[1].Data.(ContentBlockStartEvent)
	assert.Equal(t, 0, start.Index)
}

func TestConverter_EmptyToolInputStillEmitsDelta(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)

	_ = c.Convert(kiro.StreamEvent{Type: kiro.EventToolUse, Name: "f", ToolUseID: "t1"})
	events := c.Convert(kiro.StreamEvent{Type: kiro.EventToolUseStop, ToolUseID: "t1"})

	require.Len(t, events, 2)
	delta := events[0].Data.(ContentBlockDeltaEvent)
	assert.Equal(t, "input_json_delta", delta.Delta.Type)
	require.NotNil(t, delta.Delta.PartialJSON)
	assert.Equal(t, "{}", *delta.Delta.PartialJSON)
	assert.Equal(t, "content_block_stop", events[1].Type)
}

func TestConverter_TextPreservedAcrossTranslation(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)
	parts := []string{"alpha ", "beta\n", "gamma"}

	var streamed strings.Builder
	for _, p := range parts {
		for _, ev := range c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: p}) {
			if d, ok := ev.Data.(ContentBlockDeltaEvent); ok && d.Delta.Type == "text_delta" {
				streamed.WriteString(d.Delta.Text)
			}
		}
	}
	assert.Equal(t, strings.Join(parts, ""), streamed.String())
}

func TestConverter_BracketedFallbackInFinish(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)

	_ = c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: `OK [Called search with args: {"q":"foo"}]`})
	finish := c.Finish()

	types := eventTypes(finish)
	assert.Equal(t, []string{
		"content_block_stop",  // closes the text block
		"content_block_start", // synthetic tool_use
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	toolStart := finish[1].Data.(ContentBlockStartEvent)
	assert.Equal(t, "search", toolStart.ContentBlock.Name)

	msgDelta := finish[4].Data.(MessageDeltaEvent)
	assert.Equal(t, "tool_use", msgDelta.Delta.StopReason)
}

func TestConverter_BracketedDuplicateOfStructuredSkipped(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 0)

	_ = c.Convert(kiro.StreamEvent{Type: kiro.EventToolUse, Name: "search", ToolUseID: "t1", Input: `{"q":"foo"}`})
	_ = c.Convert(kiro.StreamEvent{Type: kiro.EventToolUseStop, ToolUseID: "t1"})
	_ = c.Convert(kiro.StreamEvent{Type: kiro.EventContent, Text: `[Called search with args: {"q":"foo"}]`})
	finish := c.Finish()

	for _, ev := range finish {
		if start, ok := ev.Data.(ContentBlockStartEvent); ok {
			assert.NotEqual(t, "tool_use", start.ContentBlock.Type,
				"duplicate tool call must not surface again")
		}
	}
}

func TestConverter_EmptyStreamStillTerminates(t *testing.T) {
	c := NewConverter("claude-sonnet-4-5", 3)
	all := c.Finish()

	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventTypes(all))
	msgDelta := all[1].Data.(MessageDeltaEvent)
	assert.Equal(t, "end_turn", msgDelta.Delta.StopReason)
}
