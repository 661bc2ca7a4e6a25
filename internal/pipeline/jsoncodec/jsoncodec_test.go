package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testSnapshot struct {
	Event string `json:"event"`
	Sent  int    `json:"sent"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testSnapshot{Event: "position.update", Sent: 42}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testSnapshot
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"event\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	snap := testSnapshot{Event: "chat.message", Sent: 7}

	if err := Encode(buf, snap); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testSnapshot
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != snap {
		t.Fatalf("expected decoded snapshot to match, got %#v", decoded)
	}
}
