package bridge

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestLineBuffer_ReassemblesAcrossChunks(t *testing.T) {
	var buf lineBuffer

	lines := buf.Feed([]byte("hel"))
	if len(lines) != 0 {
		t.Fatalf("incomplete fragment produced lines: %v", lines)
	}

	lines = buf.Feed([]byte("lo\nwor"))
	if !reflect.DeepEqual(lines, []string{"hello"}) {
		t.Fatalf("lines = %v, want [hello]", lines)
	}

	lines = buf.Feed([]byte("ld\n"))
	if !reflect.DeepEqual(lines, []string{"world"}) {
		t.Fatalf("lines = %v, want [world]", lines)
	}

	if _, ok := buf.Flush(); ok {
		t.Error("Flush returned a line after everything was consumed")
	}
}

func TestLineBuffer_StripsNULBytes(t *testing.T) {
	var buf lineBuffer
	lines := buf.Feed([]byte("a\x00b\x00c\n"))
	if !reflect.DeepEqual(lines, []string{"abc"}) {
		t.Fatalf("lines = %v, want [abc]", lines)
	}
}

func TestLineBuffer_FlushReturnsTrailingFragment(t *testing.T) {
	var buf lineBuffer
	buf.Feed([]byte("no newline"))
	line, ok := buf.Flush()
	if !ok || line != "no newline" {
		t.Fatalf("Flush = %q, %v; want trailing fragment", line, ok)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType string
	}{
		{"structured", `{"type":"system","subtype":"init"}`, "system"},
		{"structured with whitespace", `  {"type":"result"}  `, "result"},
		{"json without type tag", `{"ok":true}`, EventRaw},
		{"invalid json", `{"type":`, EventRaw},
		{"plain text", "npm WARN deprecated", EventRaw},
		{"empty", "", EventRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := parseLine(tt.line)
			if ev.Type != tt.wantType {
				t.Errorf("parseLine(%q).Type = %q, want %q", tt.line, ev.Type, tt.wantType)
			}
			if ev.Type == EventRaw && ev.Text != tt.line {
				t.Errorf("raw event lost the line: %q != %q", ev.Text, tt.line)
			}
		})
	}
}

func TestAssistantText_ConcatenatesTextBlocks(t *testing.T) {
	ev := parseLine(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"first "},` +
		`{"type":"tool_use","name":"bash"},` +
		`{"type":"text","text":"second"}]}}`)
	if got := assistantText(ev); got != "first second" {
		t.Errorf("assistantText = %q, want %q", got, "first second")
	}
}

func TestAssistantText_IgnoresOtherEvents(t *testing.T) {
	if got := assistantText(parseLine(`{"type":"result","ok":true}`)); got != "" {
		t.Errorf("assistantText on result event = %q, want empty", got)
	}
	if got := assistantText(Event{Type: EventRaw, Text: "plain"}); got != "" {
		t.Errorf("assistantText on raw event = %q, want empty", got)
	}
}

func TestEventMarshalJSON(t *testing.T) {
	structured := parseLine(`{"type":"result","ok":true}`)
	data, err := json.Marshal(structured)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"result","ok":true}` {
		t.Errorf("structured event not relayed verbatim: %s", data)
	}

	data, err = json.Marshal(Event{Type: EventError, Text: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"error","error":"boom"}` {
		t.Errorf("error envelope = %s", data)
	}

	data, err = json.Marshal(Event{Type: EventRaw, Text: "npm WARN"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"raw","text":"npm WARN"}` {
		t.Errorf("raw envelope = %s", data)
	}
}
