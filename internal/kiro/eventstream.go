package kiro

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

// EventType classifies the internal stream events produced by the parser.
type EventType int

const (
	// EventContent is a text delta.
	EventContent EventType = iota
	// EventToolUse opens a tool invocation.
	EventToolUse
	// EventToolUseInput continues the open tool invocation's arguments.
	EventToolUseInput
	// EventToolUseStop closes the open tool invocation.
	EventToolUseStop
)

// StreamEvent is one parsed upstream event. At most one tool use is open per
// toolUseId at a time; input fragments concatenate in arrival order.
type StreamEvent struct {
	Type      EventType
	Text      string // EventContent
	Name      string // EventToolUse
	ToolUseID string // EventToolUse / EventToolUseStop
	Input     string // EventToolUse / EventToolUseInput
}

// chunk is the JSON payload inside one upstream frame. The five recognized
// shapes are identified structurally, not by frame headers.
type chunk struct {
	Content        string          `json:"content"`
	Name           string          `json:"name"`
	ToolUseID      string          `json:"toolUseId"`
	Input          string          `json:"input"`
	Stop           *bool           `json:"stop"`
	FollowupPrompt json.RawMessage `json:"followupPrompt"`
}

// framePrefixes are the payload openings the structural scan recognizes.
// Upstream wraps each payload in AWS event-stream framing whose headers vary;
// scanning for the payload itself tolerates every variant seen in the wild.
var framePrefixes = []string{
	`{"content"`,
	`{"name"`,
	`{"toolUseId"`,
	`{"input"`,
	`{"stop"`,
	`{"followupPrompt"`,
}

const (
	initialBufferCap = 8192
	// maxBufferSize bounds memory if upstream never closes a frame (1MB).
	maxBufferSize = 1024 * 1024
)

// parserPool provides reusable EventStreamParser instances to reduce GC
// pressure under high concurrency.
var parserPool = sync.Pool{
	New: func() interface{} {
		return &EventStreamParser{
			buffer: make([]byte, 0, initialBufferCap),
		}
	},
}

// GetEventStreamParser gets a parser from the pool.
// Call ReleaseEventStreamParser when done.
func GetEventStreamParser() *EventStreamParser {
	return parserPool.Get().(*EventStreamParser)
}

// ReleaseEventStreamParser returns a parser to the pool.
func ReleaseEventStreamParser(p *EventStreamParser) {
	p.Reset()
	parserPool.Put(p)
}

// EventStreamParser extracts StreamEvents from Kiro's chunk-encoded response
// stream. It keeps partial frames across Feed calls and tracks which tool use
// is currently open so bare {"input"} and {"stop"} continuations attach to
// the right invocation.
type EventStreamParser struct {
	buffer []byte

	openToolID string
	sawEvent   bool
}

// NewEventStreamParser creates a new parser. Prefer the pooled accessors for
// request-scoped use.
func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{buffer: make([]byte, 0, initialBufferCap)}
}

// SawEvents reports whether any Feed call has produced at least one event;
// used to decide whether the legacy fallback scan is needed.
func (p *EventStreamParser) SawEvents() bool {
	return p.sawEvent
}

// Feed appends data to the internal buffer and returns all complete events.
// A frame whose closing brace has not arrived stays buffered for the next
// call. Bytes between frames (framing headers, CRCs) are discarded.
func (p *EventStreamParser) Feed(data []byte) []StreamEvent {
	if len(p.buffer)+len(data) > maxBufferSize {
		// Drop the oldest half rather than failing the stream; the scan
		// resynchronizes on the next recognized prefix.
		p.buffer = p.buffer[len(p.buffer)/2:]
	}
	p.buffer = append(p.buffer, data...)

	var events []StreamEvent
	for {
		start := p.findFrameStart()
		if start < 0 {
			// No recognizable prefix; keep a tail in case a prefix is split
			// across reads.
			p.trimToTail()
			break
		}
		end := scanJSONObject(p.buffer, start)
		if end < 0 {
			// Incomplete frame; keep it for the next read.
			p.buffer = p.buffer[start:]
			break
		}
		payload := p.buffer[start : end+1]
		p.buffer = p.buffer[end+1:]

		var c chunk
		if err := json.Unmarshal(payload, &c); err != nil {
			continue
		}
		events = append(events, p.chunkEvents(&c)...)
	}

	if len(events) > 0 {
		p.sawEvent = true
	}
	return events
}

// findFrameStart returns the smallest offset at which a recognized JSON
// prefix begins, or -1.
func (p *EventStreamParser) findFrameStart() int {
	buf := string(p.buffer)
	best := -1
	for _, prefix := range framePrefixes {
		if idx := strings.Index(buf, prefix); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// trimToTail discards scanned garbage but keeps enough bytes that a frame
// prefix split across two reads is still found.
func (p *EventStreamParser) trimToTail() {
	const keep = 24 // longer than every recognized prefix
	if len(p.buffer) > keep {
		p.buffer = append(p.buffer[:0], p.buffer[len(p.buffer)-keep:]...)
	}
}

// chunkEvents maps one decoded payload onto zero or more stream events.
func (p *EventStreamParser) chunkEvents(c *chunk) []StreamEvent {
	// followupPrompt frames are UI suggestions; never surfaced downstream.
	if len(c.FollowupPrompt) > 0 {
		return nil
	}

	var events []StreamEvent

	if c.Content != "" {
		events = append(events, StreamEvent{
			Type: EventContent,
			Text: unescapeNewlines(c.Content),
		})
	}

	switch {
	case c.Name != "" && c.ToolUseID != "":
		// Tool-use open; may carry the first input fragment and even an
		// immediate stop.
		p.openToolID = c.ToolUseID
		events = append(events, StreamEvent{
			Type:      EventToolUse,
			Name:      c.Name,
			ToolUseID: c.ToolUseID,
			Input:     c.Input,
		})
		if c.Stop != nil && *c.Stop {
			events = append(events, StreamEvent{Type: EventToolUseStop, ToolUseID: c.ToolUseID})
			p.openToolID = ""
		}

	case c.Input != "" && p.openToolID != "":
		events = append(events, StreamEvent{
			Type:      EventToolUseInput,
			ToolUseID: p.openToolID,
			Input:     c.Input,
		})
		if c.Stop != nil && *c.Stop {
			events = append(events, StreamEvent{Type: EventToolUseStop, ToolUseID: p.openToolID})
			p.openToolID = ""
		}

	case c.Stop != nil && *c.Stop && p.openToolID != "":
		events = append(events, StreamEvent{Type: EventToolUseStop, ToolUseID: p.openToolID})
		p.openToolID = ""
	}

	return events
}

// CloseOpenToolUse returns a synthetic stop for a tool use left open at end
// of stream, or nil.
func (p *EventStreamParser) CloseOpenToolUse() *StreamEvent {
	if p.openToolID == "" {
		return nil
	}
	ev := &StreamEvent{Type: EventToolUseStop, ToolUseID: p.openToolID}
	p.openToolID = ""
	return ev
}

// Reset clears parser state while retaining buffer capacity for reuse.
func (p *EventStreamParser) Reset() {
	if cap(p.buffer) > maxBufferSize {
		p.buffer = make([]byte, 0, initialBufferCap)
	} else {
		p.buffer = p.buffer[:0]
	}
	p.openToolID = ""
	p.sawEvent = false
}

// legacyEventPattern locates the framing token "event" that precedes each
// payload in the legacy response format.
var legacyEventPattern = regexp.MustCompile(`event[^{]*`)

// ParseLegacy is the fallback for legacy framing: it locates each JSON object
// following the token "event" across the whole accumulated response and runs
// it through the structural mapping. Used only when the incremental scan
// produced no events.
func ParseLegacy(raw []byte) []StreamEvent {
	var events []StreamEvent
	p := &EventStreamParser{}

	locs := legacyEventPattern.FindAllIndex(raw, -1)
	for _, loc := range locs {
		start := loc[1]
		if start >= len(raw) || raw[start] != '{' {
			continue
		}
		end := scanJSONObject(raw, start)
		if end < 0 {
			continue
		}
		var c chunk
		if err := json.Unmarshal(raw[start:end+1], &c); err != nil {
			continue
		}
		events = append(events, p.chunkEvents(&c)...)
	}
	return events
}

// scanJSONObject advances a brace-counting state machine with string
// awareness and backslash escapes from the opening brace at start. Returns
// the index of the matching close brace, or -1 if it is not yet in buf.
func scanJSONObject(buf []byte, start int) int {
	if start >= len(buf) || buf[start] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		ch := buf[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// unescapeNewlines converts the two-character sequence \n embedded in decoded
// content into a real newline. Single-byte newlines are left alone.
func unescapeNewlines(s string) string {
	if !strings.Contains(s, `\n`) {
		return s
	}
	return strings.ReplaceAll(s, `\n`, "\n")
}
