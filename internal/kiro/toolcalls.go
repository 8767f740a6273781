package kiro

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ExtractedToolCall is a tool invocation recovered from a bracketed
// [Called NAME with args: {...}] emission in free-form text.
type ExtractedToolCall struct {
	ToolUseID string
	Name      string
	// Input is the argument JSON. When repair fails it carries the raw
	// string as-is; the caller decides what to do with unparseable input.
	Input string
}

var (
	// bracketedCallPattern locates the head of a "[Called NAME with args:"
	// emission; the argument object is brace-matched from the end of the
	// match.
	bracketedCallPattern = regexp.MustCompile(`\[Called\s+(\w+)\s+with\s+args:\s*`)

	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyPattern   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
	bareValuePattern     = regexp.MustCompile(`:\s*([a-zA-Z_][a-zA-Z0-9_\-]*)\s*([,}])`)

	whitespaceCollapse = regexp.MustCompile(`[ \t]+`)
)

// ExtractBracketedToolCalls scans text for bracketed tool invocations of the
// form [Called NAME with args: { ... }], removes them from the visible text,
// and returns them as synthetic tool calls. Duplicate (name, arguments)
// pairs already present in seen are skipped but still removed from the text.
func ExtractBracketedToolCalls(text string, seen map[string]bool) (string, []ExtractedToolCall) {
	matches := bracketedCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	if seen == nil {
		seen = make(map[string]bool)
	}

	clean := text
	var calls []ExtractedToolCall

	// Walk matches in reverse so earlier indices stay valid while slicing.
	for i := len(matches) - 1; i >= 0; i-- {
		matchStart := matches[i][0]
		name := text[matches[i][2]:matches[i][3]]

		jsonStart := matches[i][1]
		for jsonStart < len(text) && (text[jsonStart] == ' ' || text[jsonStart] == '\t') {
			jsonStart++
		}
		if jsonStart >= len(text) || text[jsonStart] != '{' {
			continue
		}
		jsonEnd := scanJSONObject([]byte(text), jsonStart)
		if jsonEnd < 0 {
			continue
		}

		// The emission closes with ] after the argument object.
		closing := jsonEnd + 1
		for closing < len(text) && text[closing] != ']' {
			closing++
		}
		if closing >= len(text) {
			continue
		}

		args := normalizeToolArgs(text[jsonStart : jsonEnd+1])
		full := text[matchStart : closing+1]

		key := ToolCallKey(name, args)
		if seen[key] {
			clean = strings.Replace(clean, full, "", 1)
			continue
		}
		seen[key] = true

		calls = append(calls, ExtractedToolCall{
			ToolUseID: "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
			Name:      name,
			Input:     args,
		})
		clean = strings.Replace(clean, full, "", 1)
	}

	// Reverse into emission order.
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}

	clean = whitespaceCollapse.ReplaceAllString(clean, " ")
	clean = strings.TrimRight(clean, " ")
	return clean, calls
}

// normalizeToolArgs repairs and canonicalizes an argument JSON string. When
// the repaired string still fails to parse, the raw input is returned
// unchanged rather than dropped.
func normalizeToolArgs(raw string) string {
	repaired := RepairJSON(raw)
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return raw
	}
	canonical, err := MarshalNoHTMLEscape(v)
	if err != nil {
		return repaired
	}
	return string(canonical)
}

// RepairJSON fixes the common breakages seen in model-emitted argument JSON:
// trailing commas, bare keys, and bare word values.
func RepairJSON(raw string) string {
	repaired := trailingCommaPattern.ReplaceAllString(raw, "$1")
	repaired = unquotedKeyPattern.ReplaceAllString(repaired, `$1"$2":`)
	repaired = bareValuePattern.ReplaceAllStringFunc(repaired, func(m string) string {
		sub := bareValuePattern.FindStringSubmatch(m)
		switch sub[1] {
		case "true", "false", "null":
			return m
		}
		return `: "` + sub[1] + `"` + sub[2]
	})
	return repaired
}

// ToolCallKey builds the deduplication key for a tool call: identical
// (name, arguments) pairs surface exactly once regardless of whether they
// arrived structurally or through the bracketed fallback.
func ToolCallKey(name, args string) string {
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(args), &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			return name + ":" + string(canonical)
		}
	}
	return name + ":" + args
}
