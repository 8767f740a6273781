package kiro

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame wraps a payload in fake AWS framing bytes, which the structural scan
// must skip over.
func frame(payload string) []byte {
	return append(append([]byte{0x00, 0x00, 0x01, 0x2a, 0x07, ':'}, []byte(payload)...), 0xde, 0xad)
}

func TestEventStreamParser_ContentFrames(t *testing.T) {
	p := NewEventStreamParser()

	events := p.Feed(frame(`{"content":"Hello"}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)

	events = p.Feed(frame(`{"content":" world"}`))
	require.Len(t, events, 1)
	assert.Equal(t, " world", events[0].Text)
	assert.True(t, p.SawEvents())
}

func TestEventStreamParser_FrameSplitAcrossReads(t *testing.T) {
	p := NewEventStreamParser()

	full := frame(`{"content":"split across reads"}`)
	half := len(full) / 2

	events := p.Feed(full[:half])
	assert.Empty(t, events)

	events = p.Feed(full[half:])
	require.Len(t, events, 1)
	assert.Equal(t, "split across reads", events[0].Text)
}

func TestEventStreamParser_EscapedNewlines(t *testing.T) {
	p := NewEventStreamParser()

	// The payload carries a literal backslash-n after JSON decoding; the
	// parser converts it to a real newline.
	events := p.Feed(frame(`{"content":"line1\\nline2"}`))
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].Text)
}

func TestEventStreamParser_FollowupPromptIgnored(t *testing.T) {
	p := NewEventStreamParser()

	events := p.Feed(frame(`{"followupPrompt":{"content":"want more?"}}`))
	assert.Empty(t, events)
}

func TestEventStreamParser_ToolUseLifecycle(t *testing.T) {
	p := NewEventStreamParser()

	var events []StreamEvent
	events = append(events, p.Feed(frame(`{"name":"lookup","toolUseId":"t1","input":"{\"q\":"}`))...)
	events = append(events, p.Feed(frame(`{"input":"\"x\"}"}`))...)
	events = append(events, p.Feed(frame(`{"stop":true}`))...)

	require.Len(t, events, 3)
	assert.Equal(t, EventToolUse, events[0].Type)
	assert.Equal(t, "lookup", events[0].Name)
	assert.Equal(t, "t1", events[0].ToolUseID)
	assert.Equal(t, `{"q":`, events[0].Input)

	assert.Equal(t, EventToolUseInput, events[1].Type)
	assert.Equal(t, "t1", events[1].ToolUseID)
	assert.Equal(t, `"x"}`, events[1].Input)

	assert.Equal(t, EventToolUseStop, events[2].Type)
	assert.Equal(t, "t1", events[2].ToolUseID)
}

func TestEventStreamParser_ToolUseStopInline(t *testing.T) {
	p := NewEventStreamParser()

	events := p.Feed(frame(`{"name":"ping","toolUseId":"t9","stop":true}`))
	require.Len(t, events, 2)
	assert.Equal(t, EventToolUse, events[0].Type)
	assert.Equal(t, EventToolUseStop, events[1].Type)
}

func TestEventStreamParser_BareInputWithoutOpenToolIgnored(t *testing.T) {
	p := NewEventStreamParser()
	events := p.Feed(frame(`{"input":"orphan"}`))
	assert.Empty(t, events)
}

func TestEventStreamParser_CloseOpenToolUseAtEOF(t *testing.T) {
	p := NewEventStreamParser()

	_ = p.Feed(frame(`{"name":"lookup","toolUseId":"t1","input":"{}"}`))
	ev := p.CloseOpenToolUse()
	require.NotNil(t, ev)
	assert.Equal(t, EventToolUseStop, ev.Type)
	assert.Equal(t, "t1", ev.ToolUseID)
	assert.Nil(t, p.CloseOpenToolUse())
}

func TestEventStreamParser_GarbageBetweenFrames(t *testing.T) {
	p := NewEventStreamParser()

	var data []byte
	data = append(data, []byte("\x00\x00randomheader")...)
	data = append(data, frame(`{"content":"a"}`)...)
	data = append(data, []byte(":event-type\x07\x00\x05chunk")...)
	data = append(data, frame(`{"content":"b"}`)...)

	events := p.Feed(data)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
}

func TestEventStreamParser_NestedBracesAndStrings(t *testing.T) {
	p := NewEventStreamParser()

	events := p.Feed(frame(`{"content":"brace } inside \" string"}`))
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Text, "brace } inside")
}

func TestParseLegacy(t *testing.T) {
	raw := []byte(strings.Join([]string{
		`event{"content":"legacy "}`,
		`event {"content":"framing"}`,
		`event{"followupPrompt":"skip"}`,
	}, "\n"))

	events := ParseLegacy(raw)
	require.Len(t, events, 2)
	assert.Equal(t, "legacy ", events[0].Text)
	assert.Equal(t, "framing", events[1].Text)
}

func TestEventStreamParser_TextOrderPreserved(t *testing.T) {
	p := NewEventStreamParser()

	var got strings.Builder
	for _, part := range []string{"one ", "two ", "three"} {
		for _, ev := range p.Feed(frame(`{"content":"` + part + `"}`)) {
			got.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "one two three", got.String())
}

func TestEventStreamParser_Reset(t *testing.T) {
	p := GetEventStreamParser()
	_ = p.Feed(frame(`{"name":"lookup","toolUseId":"t1"}`))
	ReleaseEventStreamParser(p)

	p2 := GetEventStreamParser()
	defer ReleaseEventStreamParser(p2)
	assert.False(t, p2.SawEvents())
	assert.Nil(t, p2.CloseOpenToolUse())
}
