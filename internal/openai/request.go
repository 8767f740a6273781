package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xilu0/kiro-gateway/internal/claude"
)

const (
	urlImageError   = "[Error: URL images not supported. Provide the image inline as a base64 data URL.]"
	audioInputError = "[Error: Audio input not supported]"
)

// supportedImageMIME reports whether a media type is an inline-image format.
func supportedImageMIME(mediaType string) bool {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// supportedDocumentMIME reports whether a media type can travel as a document
// block.
func supportedDocumentMIME(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/pdf", "application/json", "application/xml",
		"application/javascript", "text/javascript", "text/css":
		return true
	}
	return false
}

// ToAnthropic normalizes an OpenAI chat-completions request into the
// Anthropic shape the Kiro pipeline consumes. System messages fold into the
// system prompt; tool messages become user turns carrying tool_result blocks;
// content parts convert per the gateway's support matrix.
func ToAnthropic(req *ChatCompletionRequest) (*claude.MessageRequest, error) {
	out := &claude.MessageRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxCompletionTokens > 0 {
		out.MaxTokens = req.MaxCompletionTokens
	} else {
		out.MaxTokens = req.MaxTokens
	}

	var systemParts []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(m.Content))

		case "tool":
			// A tool-role message becomes a user turn with one tool_result.
			block := claude.ContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   toolResultContent(m.Content),
			}
			raw, err := json.Marshal([]claude.ContentBlock{block})
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool result: %w", err)
			}
			out.Messages = append(out.Messages, claude.Message{Role: "user", Content: raw})

		case "assistant":
			blocks := convertParts(m.Content)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, claude.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: argumentsJSON(tc.Function.Arguments),
				})
			}
			raw, err := marshalBlocks(m.Content, blocks, len(m.ToolCalls) > 0)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, claude.Message{Role: "assistant", Content: raw})

		default: // user
			blocks := convertParts(m.Content)
			raw, err := marshalBlocks(m.Content, blocks, false)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, claude.Message{Role: "user", Content: raw})
		}
	}

	if len(systemParts) > 0 {
		sys, err := json.Marshal(strings.Join(systemParts, "\n\n"))
		if err != nil {
			return nil, err
		}
		out.System = sys
	}

	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, claude.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if choice := convertToolChoice(req.ToolChoice); choice != nil {
		out.ToolChoice = choice
	}

	return out, nil
}

// marshalBlocks keeps plain-string content as a string; anything that needed
// part conversion (or tool calls) is emitted as a block array.
func marshalBlocks(original json.RawMessage, blocks []claude.ContentBlock, forceBlocks bool) (json.RawMessage, error) {
	if !forceBlocks {
		var str string
		if err := json.Unmarshal(original, &str); err == nil {
			return json.Marshal(str)
		}
	}
	if len(blocks) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(blocks)
}

// convertParts converts OpenAI content (string or part array) into Anthropic
// content blocks.
func convertParts(content json.RawMessage) []claude.ContentBlock {
	if len(content) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if str == "" {
			return nil
		}
		return []claude.ContentBlock{{Type: "text", Text: str}}
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}

	var blocks []claude.ContentBlock
	for i := range parts {
		blocks = append(blocks, convertPart(&parts[i]))
	}
	return blocks
}

// contentText extracts the plain-text content of a message, concatenating
// the text of any content parts. Used for system/developer messages, which
// fold into the system prompt as a single string.
func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var texts []string
	for i := range parts {
		if parts[i].Type == "text" {
			texts = append(texts, parts[i].Text)
		}
	}
	return strings.Join(texts, "")
}

// convertPart maps one OpenAI content part onto an Anthropic block.
func convertPart(part *ContentPart) claude.ContentBlock {
	switch part.Type {
	case "text":
		return claude.ContentBlock{Type: "text", Text: part.Text}

	case "image_url":
		if part.ImageURL == nil {
			return claude.ContentBlock{Type: "text", Text: urlImageError}
		}
		url := part.ImageURL.URL
		if strings.HasPrefix(url, "data:") {
			mediaType, data, ok := parseDataURL(url)
			if ok && supportedImageMIME(mediaType) {
				return imageBlock(mediaType, data)
			}
			return claude.ContentBlock{Type: "text", Text: fmt.Sprintf("[Unsupported file type: %s]", mediaType)}
		}
		return claude.ContentBlock{Type: "text", Text: urlImageError}

	case "file", "document":
		mediaType, data, ok := filePayload(part)
		if !ok {
			return claude.ContentBlock{Type: "text", Text: fmt.Sprintf("[Unsupported file type: %s]", mediaType)}
		}
		switch {
		case supportedImageMIME(mediaType):
			return imageBlock(mediaType, data)
		case supportedDocumentMIME(mediaType):
			return claude.ContentBlock{
				Type: "document",
				Source: &claude.BlockSource{
					Type:      "base64",
					MediaType: strings.ToLower(mediaType),
					Data:      data,
				},
			}
		default:
			return claude.ContentBlock{Type: "text", Text: fmt.Sprintf("[Unsupported file type: %s]", mediaType)}
		}

	case "input_audio":
		return claude.ContentBlock{Type: "text", Text: audioInputError}

	default:
		return claude.ContentBlock{Type: "text", Text: part.Text}
	}
}

func imageBlock(mediaType, data string) claude.ContentBlock {
	mt := strings.ToLower(mediaType)
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	return claude.ContentBlock{
		Type: "image",
		Source: &claude.BlockSource{
			Type:      "base64",
			MediaType: mt,
			Data:      data,
		},
	}
}

// filePayload extracts (mediaType, base64 data) from a file or document part.
func filePayload(part *ContentPart) (string, string, bool) {
	if part.Source != nil && part.Source.Type == "base64" {
		return part.Source.MediaType, part.Source.Data, part.Source.MediaType != ""
	}
	if part.File != nil && part.File.FileData != "" {
		mediaType, data, ok := parseDataURL(part.File.FileData)
		return mediaType, data, ok
	}
	return "", "", false
}

// parseDataURL splits a data:<mime>;base64,<data> URL.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", false
	}
	meta := rest[:comma]
	data = rest[comma+1:]

	if !strings.Contains(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.Split(meta, ";")[0]
	return mediaType, data, mediaType != ""
}

// argumentsJSON converts a serialized arguments string into a raw JSON value,
// falling back to a quoted string when it does not parse.
func argumentsJSON(arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	quoted, _ := json.Marshal(arguments)
	return quoted
}

// toolResultContent keeps string tool output as a JSON string and passes
// structured output through untouched.
func toolResultContent(content json.RawMessage) json.RawMessage {
	if len(content) == 0 {
		return json.RawMessage(`""`)
	}
	return content
}

// convertToolChoice maps the OpenAI tool_choice field onto the Anthropic
// shape: auto→auto, none→none, required→any, named function → {tool, name}.
func convertToolChoice(raw json.RawMessage) *claude.ToolChoice {
	if len(raw) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &claude.ToolChoice{Type: "auto"}
		case "none":
			return &claude.ToolChoice{Type: "none"}
		case "required":
			return &claude.ToolChoice{Type: "any"}
		}
		return nil
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &claude.ToolChoice{Type: "tool", Name: named.Function.Name}
	}
	return nil
}
