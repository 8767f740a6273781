package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/claude"
)

func decodeRequest(t *testing.T, body string) *ChatCompletionRequest {
	t.Helper()
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func firstBlocks(t *testing.T, msg claude.Message) []claude.ContentBlock {
	t.Helper()
	var blocks []claude.ContentBlock
	require.NoError(t, json.Unmarshal(msg.Content, &blocks))
	return blocks
}

func TestToAnthropic_PlainText(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"claude-opus-4-5",
		"messages":[
			{"role":"system","content":"be nice"},
			{"role":"user","content":"hi"}
		],
		"max_tokens":100
	}`)

	out, err := ToAnthropic(req)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5", out.Model)
	assert.Equal(t, 100, out.MaxTokens)
	assert.Equal(t, "be nice", out.GetSystemString())
	require.Len(t, out.Messages, 1)

	var content string
	require.NoError(t, json.Unmarshal(out.Messages[0].Content, &content))
	assert.Equal(t, "hi", content)
}

func TestToAnthropic_MaxCompletionTokensPreferred(t *testing.T) {
	req := decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"max_tokens":10,"max_completion_tokens":20}`)
	out, err := ToAnthropic(req)
	require.NoError(t, err)
	assert.Equal(t, 20, out.MaxTokens)
}

func TestToAnthropic_ContentPartTable(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[{"role":"user","content":[
			{"type":"text","text":"see:"},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,aGk="}},
			{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}},
			{"type":"file","file":{"file_data":"data:application/pdf;base64,cGRm","filename":"doc.pdf"}},
			{"type":"file","file":{"file_data":"data:application/zip;base64,emlw","filename":"a.zip"}},
			{"type":"input_audio","input_audio":{"data":"...","format":"wav"}}
		]}]
	}`)

	out, err := ToAnthropic(req)
	require.NoError(t, err)
	blocks := firstBlocks(t, out.Messages[0])
	require.Len(t, blocks, 6)

	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "see:", blocks[0].Text)

	assert.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "aGk=", blocks[1].Source.Data)

	assert.Equal(t, "text", blocks[2].Type)
	assert.Contains(t, blocks[2].Text, "URL images not supported")

	assert.Equal(t, "document", blocks[3].Type)
	require.NotNil(t, blocks[3].Source)
	assert.Equal(t, "application/pdf", blocks[3].Source.MediaType)

	assert.Equal(t, "text", blocks[4].Type)
	assert.Contains(t, blocks[4].Text, "Unsupported file type: application/zip")

	assert.Equal(t, "text", blocks[5].Type)
	assert.Contains(t, blocks[5].Text, "Audio input not supported")
}

func TestToAnthropic_FileWithImageMIMEBecomesImage(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[{"role":"user","content":[
			{"type":"file","file":{"file_data":"data:image/jpeg;base64,aW1n"}}
		]}]
	}`)
	out, err := ToAnthropic(req)
	require.NoError(t, err)
	blocks := firstBlocks(t, out.Messages[0])
	require.Len(t, blocks, 1)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
}

func TestToAnthropic_TextDocumentMIME(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[{"role":"user","content":[
			{"type":"file","file":{"file_data":"data:text/markdown;base64,bWQ="}}
		]}]
	}`)
	out, err := ToAnthropic(req)
	require.NoError(t, err)
	blocks := firstBlocks(t, out.Messages[0])
	assert.Equal(t, "document", blocks[0].Type)
}

func TestToAnthropic_AssistantToolCalls(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[
			{"role":"user","content":"look up foo"},
			{"role":"assistant","content":"","tool_calls":[
				{"id":"call_abc","type":"function","function":{"name":"search","arguments":"{\"q\":\"foo\"}"}}
			]},
			{"role":"tool","tool_call_id":"call_abc","content":"result text"}
		]
	}`)

	out, err := ToAnthropic(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 3)

	assistantBlocks := firstBlocks(t, out.Messages[1])
	require.Len(t, assistantBlocks, 1)
	assert.Equal(t, "tool_use", assistantBlocks[0].Type)
	assert.Equal(t, "call_abc", assistantBlocks[0].ID)
	assert.Equal(t, "search", assistantBlocks[0].Name)
	assert.JSONEq(t, `{"q":"foo"}`, string(assistantBlocks[0].Input))

	assert.Equal(t, "user", out.Messages[2].Role)
	toolBlocks := firstBlocks(t, out.Messages[2])
	require.Len(t, toolBlocks, 1)
	assert.Equal(t, "tool_result", toolBlocks[0].Type)
	assert.Equal(t, "call_abc", toolBlocks[0].ToolUseID)

	var resultText string
	require.NoError(t, json.Unmarshal(toolBlocks[0].Content, &resultText))
	assert.Equal(t, "result text", resultText)
}

func TestToAnthropic_Tools(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[{"role":"user","content":"x"}],
		"tools":[{"type":"function","function":{"name":"search","description":"find","parameters":{"type":"object"}}}]
	}`)

	out, err := ToAnthropic(req)
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "search", out.Tools[0].Name)
	assert.Equal(t, "find", out.Tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(out.Tools[0].InputSchema))
}

func TestToAnthropic_ToolChoiceMapping(t *testing.T) {
	tests := []struct {
		raw  string
		want *claude.ToolChoice
	}{
		{`"auto"`, &claude.ToolChoice{Type: "auto"}},
		{`"none"`, &claude.ToolChoice{Type: "none"}},
		{`"required"`, &claude.ToolChoice{Type: "any"}},
		{`{"type":"function","function":{"name":"search"}}`, &claude.ToolChoice{Type: "tool", Name: "search"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			req := decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"tool_choice":`+tt.raw+`}`)
			out, err := ToAnthropic(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.ToolChoice)
		})
	}
}

func TestToAnthropic_MultipleSystemMessagesJoined(t *testing.T) {
	req := decodeRequest(t, `{
		"model":"m",
		"messages":[
			{"role":"system","content":"one"},
			{"role":"system","content":"two"},
			{"role":"user","content":"x"}
		]
	}`)
	out, err := ToAnthropic(req)
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", out.GetSystemString())
}
