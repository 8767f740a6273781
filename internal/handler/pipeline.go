// Package handler provides the HTTP front-end of the Kiro gateway.
package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// maxRequestBody bounds inbound request bodies (64MB; inline images are the
// dominant term).
const maxRequestBody = 64 << 20

// readBody reads the request body once, bounded.
func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

// eventReader pulls StreamEvents out of an upstream response body. Reads are
// sequential within the request task; events are handed to the caller one at
// a time with no intermediate buffering beyond one network chunk. When the
// structural scan produces nothing by end of stream, the legacy whole-buffer
// fallback runs once over the accumulated bytes.
type eventReader struct {
	body   io.Reader
	parser *kiro.EventStreamParser

	pending []kiro.StreamEvent
	raw     bytes.Buffer
	buf     []byte

	eof        bool
	legacyDone bool
	produced   bool
	readErr    error
}

func newEventReader(body io.Reader) *eventReader {
	return &eventReader{
		body:   body,
		parser: kiro.GetEventStreamParser(),
		buf:    make([]byte, 4096),
	}
}

// Close releases the pooled parser.
func (r *eventReader) Close() {
	if r.parser != nil {
		kiro.ReleaseEventStreamParser(r.parser)
		r.parser = nil
	}
}

// Err returns the read error that ended the stream, if any (io.EOF excluded).
func (r *eventReader) Err() error { return r.readErr }

// SawEvents reports whether any event was produced, by either path.
func (r *eventReader) SawEvents() bool { return r.produced }

// RawLen reports how many upstream bytes were consumed.
func (r *eventReader) RawLen() int { return r.raw.Len() }

// LooksLikeException reports whether the raw stream carried an AWS exception
// payload. Used to distinguish an empty response from an unintelligible one.
func (r *eventReader) LooksLikeException() bool {
	return bytes.Contains(r.raw.Bytes(), []byte("Exception")) ||
		bytes.Contains(r.raw.Bytes(), []byte(`"message-type":"exception"`))
}

// Next returns the next event. ok is false at end of stream.
func (r *eventReader) Next(ctx context.Context) (kiro.StreamEvent, bool) {
	for {
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending = r.pending[1:]
			r.produced = true
			return ev, true
		}
		if r.eof {
			return kiro.StreamEvent{}, false
		}
		if ctx.Err() != nil {
			r.eof = true
			return kiro.StreamEvent{}, false
		}

		n, err := r.body.Read(r.buf)
		if n > 0 {
			r.raw.Write(r.buf[:n])
			r.pending = append(r.pending, r.parser.Feed(r.buf[:n])...)
		}
		if err != nil {
			r.eof = true
			if err != io.EOF {
				r.readErr = err
			}
			r.finishStream()
		}
	}
}

// finishStream closes a dangling tool use and, when the structural scan came
// up empty, runs the legacy fallback over everything received.
func (r *eventReader) finishStream() {
	if !r.parser.SawEvents() && !r.legacyDone {
		r.legacyDone = true
		r.pending = append(r.pending, kiro.ParseLegacy(r.raw.Bytes())...)
	}
	if ev := r.parser.CloseOpenToolUse(); ev != nil {
		r.pending = append(r.pending, *ev)
	}
}
