package bridge

import (
	"bytes"
	"encoding/json"
)

// Reserved event types produced by the bridge itself. Structured events
// carry whatever type the remote process emitted.
const (
	EventRaw   = "raw"
	EventError = "error"
)

// Event is one forwarded unit of remote output: either a structured JSON
// event relayed verbatim, or a raw/error variant synthesized by the bridge.
type Event struct {
	// Type is the tagged variant: the remote event's own type for
	// structured lines, EventRaw or EventError otherwise.
	Type string

	// Data holds the verbatim JSON line for structured events.
	Data json.RawMessage

	// Text holds the literal line for raw events, or the failure
	// description for error events.
	Text string
}

// MarshalJSON relays structured events byte-for-byte and wraps the
// synthesized variants in a {type, ...} envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data != nil {
		return e.Data, nil
	}
	switch e.Type {
	case EventError:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}{e.Type, e.Text})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{e.Type, e.Text})
	}
}

// parseLine classifies one complete line. A JSON object with a type tag
// becomes a structured event; everything else is relayed as raw text so no
// output is silently dropped.
func parseLine(line string) Event {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &tag); err == nil && tag.Type != "" {
			data := make(json.RawMessage, len(trimmed))
			copy(data, trimmed)
			return Event{Type: tag.Type, Data: data}
		}
	}
	return Event{Type: EventRaw, Text: line}
}

// assistantText extracts the concatenated text segments from an
// assistant-content event, or "" when the event carries none.
func assistantText(ev Event) string {
	if ev.Type != "assistant" || ev.Data == nil {
		return ""
	}
	var payload struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return ""
	}
	var out bytes.Buffer
	for _, block := range payload.Message.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String()
}

// lineBuffer reassembles newline-delimited lines from unaligned byte
// chunks. Embedded NUL bytes are stripped; the trailing incomplete
// fragment is retained until the next chunk or Flush.
type lineBuffer struct {
	buf []byte
}

// Feed appends a chunk and returns all newly completed lines.
func (b *lineBuffer) Feed(chunk []byte) []string {
	for _, c := range chunk {
		if c != 0 {
			b.buf = append(b.buf, c)
		}
	}

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return lines
		}
		line := string(b.buf[:i])
		b.buf = b.buf[i+1:]
		lines = append(lines, line)
	}
}

// Flush returns the retained fragment, if any, and empties the buffer.
func (b *lineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := string(b.buf)
	b.buf = nil
	return line, true
}
