package openai

import (
	"encoding/json"
	"strings"

	"github.com/xilu0/kiro-gateway/internal/claude"
)

// ChunkTranslator converts the Anthropic SSE event sequence into OpenAI
// chat.completion.chunk objects. One translator serves one stream; the
// caller writes each chunk as a `data:` line and terminates with
// `data: [DONE]`.
type ChunkTranslator struct {
	id      string
	model   string
	created int64

	toolIndex   int // running index across tool_call blocks
	inToolBlock bool
}

// NewChunkTranslator creates a translator for one streaming response.
func NewChunkTranslator(model string, created int64) *ChunkTranslator {
	return &ChunkTranslator{
		id:        GenerateCompletionID(),
		model:     model,
		created:   created,
		toolIndex: -1,
	}
}

// ID returns the completion id shared by all chunks of the stream.
func (t *ChunkTranslator) ID() string { return t.id }

// Translate maps one Anthropic SSE event onto zero or more OpenAI chunks.
func (t *ChunkTranslator) Translate(ev *claude.SSEEvent) []*ChatCompletionChunk {
	if ev == nil {
		return nil
	}

	switch data := ev.Data.(type) {
	case claude.MessageStartEvent:
		empty := ""
		chunk := t.chunk(ChunkDelta{Role: "assistant", Content: &empty}, nil)
		chunk.Usage = &Usage{PromptTokens: data.Message.Usage.InputTokens}
		return []*ChatCompletionChunk{chunk}

	case claude.ContentBlockStartEvent:
		switch data.ContentBlock.Type {
		case "tool_use":
			t.toolIndex++
			t.inToolBlock = true
			idx := t.toolIndex
			return []*ChatCompletionChunk{t.chunk(ChunkDelta{
				ToolCalls: []ToolCall{{
					Index: &idx,
					ID:    EnsureCallPrefix(data.ContentBlock.ID),
					Type:  "function",
					Function: FunctionCall{
						Name:      data.ContentBlock.Name,
						Arguments: "",
					},
				}},
			}, nil)}
		default:
			empty := ""
			return []*ChatCompletionChunk{t.chunk(ChunkDelta{Content: &empty}, nil)}
		}

	case claude.ContentBlockDeltaEvent:
		switch data.Delta.Type {
		case "text_delta":
			text := data.Delta.Text
			return []*ChatCompletionChunk{t.chunk(ChunkDelta{Content: &text}, nil)}
		case "thinking_delta":
			return []*ChatCompletionChunk{t.chunk(ChunkDelta{ReasoningContent: data.Delta.Text}, nil)}
		case "input_json_delta":
			idx := t.toolIndex
			if idx < 0 {
				idx = 0
			}
			args := ""
			if data.Delta.PartialJSON != nil {
				args = *data.Delta.PartialJSON
			}
			return []*ChatCompletionChunk{t.chunk(ChunkDelta{
				ToolCalls: []ToolCall{{
					Index:    &idx,
					Function: FunctionCall{Arguments: args},
				}},
			}, nil)}
		}
		return nil

	case claude.ContentBlockStopEvent:
		t.inToolBlock = false
		return []*ChatCompletionChunk{t.chunk(ChunkDelta{}, nil)}

	case claude.MessageDeltaEvent:
		reason := MapFinishReason(data.Delta.StopReason)
		chunk := t.chunk(ChunkDelta{}, &reason)
		chunk.Usage = &Usage{
			PromptTokens:     data.Usage.InputTokens,
			CompletionTokens: data.Usage.OutputTokens,
			TotalTokens:      data.Usage.InputTokens + data.Usage.OutputTokens,
		}
		return []*ChatCompletionChunk{chunk}

	case claude.MessageStopEvent:
		reason := "stop"
		return []*ChatCompletionChunk{t.chunk(ChunkDelta{}, &reason)}

	case claude.WarningEvent:
		chunk := t.chunk(ChunkDelta{}, nil)
		chunk.Warning = data.Message
		return []*ChatCompletionChunk{chunk}
	}

	return nil
}

func (t *ChunkTranslator) chunk(delta ChunkDelta, finishReason *string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// FromMessageResponse wraps a complete Anthropic message into an OpenAI
// chat.completion body.
func FromMessageResponse(resp *claude.MessageResponse, created int64) *ChatCompletion {
	var text strings.Builder
	var toolCalls []ToolCall

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			idx := len(toolCalls)
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, ToolCall{
				Index: &idx,
				ID:    EnsureCallPrefix(block.ID),
				Type:  "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return &ChatCompletion{
		ID:      GenerateCompletionID(),
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []Choice{{
			Index: 0,
			Message: ResponseMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: MapFinishReason(resp.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Warning: resp.Warning,
	}
}

// MarshalChunk serializes one chunk for an SSE data line without HTML
// escaping.
func MarshalChunk(chunk *ChatCompletionChunk) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chunk); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(sb.String(), "\n")), nil
}
