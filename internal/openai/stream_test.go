package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/claude"
)

func TestChunkTranslator_MessageStart(t *testing.T) {
	tr := NewChunkTranslator("claude-sonnet-4-5", 1700000000)

	chunks := tr.Translate(&claude.SSEEvent{Type: "message_start", Data: claude.MessageStartEvent{
		Type: "message_start",
		Message: claude.MessageStartMessage{
			Role:  "assistant",
			Usage: claude.Usage{InputTokens: 42},
		},
	}})

	require.Len(t, chunks, 1)
	chunk := chunks[0]
	assert.Equal(t, tr.ID(), chunk.ID)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, int64(1700000000), chunk.Created)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	assert.Equal(t, "", *chunk.Choices[0].Delta.Content)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 42, chunk.Usage.PromptTokens)
}

func TestChunkTranslator_TextDelta(t *testing.T) {
	tr := NewChunkTranslator("m", 0)
	chunks := tr.Translate(&claude.SSEEvent{Type: "content_block_delta", Data: claude.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Delta: claude.DeltaBlock{Type: "text_delta", Text: "hello"},
	}})
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "hello", *chunks[0].Choices[0].Delta.Content)
	assert.Nil(t, chunks[0].Choices[0].FinishReason)
}

func TestChunkTranslator_ThinkingDelta(t *testing.T) {
	tr := NewChunkTranslator("m", 0)
	chunks := tr.Translate(&claude.SSEEvent{Type: "content_block_delta", Data: claude.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Delta: claude.DeltaBlock{Type: "thinking_delta", Text: "hmm"},
	}})
	require.Len(t, chunks, 1)
	assert.Equal(t, "hmm", chunks[0].Choices[0].Delta.ReasoningContent)
	assert.Nil(t, chunks[0].Choices[0].Delta.Content)
}

func TestChunkTranslator_ToolCallFlow(t *testing.T) {
	tr := NewChunkTranslator("m", 0)

	start := tr.Translate(&claude.SSEEvent{Type: "content_block_start", Data: claude.ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: 1,
		ContentBlock: claude.ContentStart{
			Type: "tool_use",
			ID:   "t1",
			Name: "lookup",
		},
	}})
	require.Len(t, start, 1)
	calls := start[0].Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Index)
	assert.Equal(t, 0, *calls[0].Index)
	assert.Equal(t, "call_t1", calls[0].ID)
	assert.Equal(t, "function", calls[0].Type)
	assert.Equal(t, "lookup", calls[0].Function.Name)
	assert.Equal(t, "", calls[0].Function.Arguments)

	partial := `{"q":"x"}`
	deltas := tr.Translate(&claude.SSEEvent{Type: "content_block_delta", Data: claude.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: 1,
		Delta: claude.DeltaBlock{Type: "input_json_delta", PartialJSON: &partial},
	}})
	require.Len(t, deltas, 1)
	calls = deltas[0].Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, partial, calls[0].Function.Arguments)
	assert.Empty(t, calls[0].Function.Name)
}

func TestChunkTranslator_SecondToolCallIncrementsIndex(t *testing.T) {
	tr := NewChunkTranslator("m", 0)

	for i := 0; i < 2; i++ {
		_ = tr.Translate(&claude.SSEEvent{Type: "content_block_start", Data: claude.ContentBlockStartEvent{
			Type:         "content_block_start",
			ContentBlock: claude.ContentStart{Type: "tool_use", ID: "x", Name: "f"},
		}})
	}
	chunks := tr.Translate(&claude.SSEEvent{Type: "content_block_start", Data: claude.ContentBlockStartEvent{
		Type:         "content_block_start",
		ContentBlock: claude.ContentStart{Type: "tool_use", ID: "y", Name: "g"},
	}})
	assert.Equal(t, 2, *chunks[0].Choices[0].Delta.ToolCalls[0].Index)
}

func TestChunkTranslator_MessageDeltaCarriesFinishAndUsage(t *testing.T) {
	tr := NewChunkTranslator("m", 0)
	chunks := tr.Translate(&claude.SSEEvent{Type: "message_delta", Data: claude.MessageDeltaEvent{
		Type:  "message_delta",
		Delta: claude.MessageDeltaData{StopReason: "tool_use"},
		Usage: claude.Usage{InputTokens: 10, OutputTokens: 5},
	}})

	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *chunks[0].Choices[0].FinishReason)
	require.NotNil(t, chunks[0].Usage)
	assert.Equal(t, 10, chunks[0].Usage.PromptTokens)
	assert.Equal(t, 5, chunks[0].Usage.CompletionTokens)
	assert.Equal(t, 15, chunks[0].Usage.TotalTokens)
}

func TestChunkTranslator_MessageStop(t *testing.T) {
	tr := NewChunkTranslator("m", 0)
	chunks := tr.Translate(&claude.SSEEvent{Type: "message_stop", Data: claude.MessageStopEvent{Type: "message_stop"}})
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", MapFinishReason("end_turn"))
	assert.Equal(t, "length", MapFinishReason("max_tokens"))
	assert.Equal(t, "tool_calls", MapFinishReason("tool_use"))
	assert.Equal(t, "stop", MapFinishReason("anything_else"))
}

func TestEnsureCallPrefix(t *testing.T) {
	assert.Equal(t, "call_abc", EnsureCallPrefix("abc"))
	assert.Equal(t, "call_abc", EnsureCallPrefix("call_abc"))
	assert.NotEmpty(t, EnsureCallPrefix(""))
}

func TestFromMessageResponse(t *testing.T) {
	resp := &claude.MessageResponse{
		ID:    "msg_1",
		Model: "claude-sonnet-4-5",
		Content: []claude.ContentBlock{
			{Type: "text", Text: "answer"},
			{Type: "tool_use", ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"foo"}`)},
		},
		StopReason: "tool_use",
		Usage:      claude.Usage{InputTokens: 7, OutputTokens: 3},
	}

	out := FromMessageResponse(resp, 1700000000)
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	require.Len(t, out.Choices, 1)

	choice := out.Choices[0]
	assert.Equal(t, "tool_calls", choice.FinishReason)
	assert.Equal(t, "answer", choice.Message.Content)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "call_t1", choice.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"foo"}`, choice.Message.ToolCalls[0].Function.Arguments)

	assert.Equal(t, 7, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assert.Equal(t, 10, out.Usage.TotalTokens)
}

func TestMarshalChunk_NoHTMLEscape(t *testing.T) {
	text := "<tag>"
	chunk := &ChatCompletionChunk{
		ID:     "x",
		Object: "chat.completion.chunk",
		Choices: []ChunkChoice{{
			Delta: ChunkDelta{Content: &text},
		}},
	}
	data, err := MarshalChunk(chunk)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<tag>")
}
