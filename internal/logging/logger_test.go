package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"trace": Trace, "DEBUG": Debug, "": Info, "warning": Warn, "error": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLevelForDebug(t *testing.T) {
	if got := LevelForDebug(0); got != Info {
		t.Fatalf("debug 0 = %v", got)
	}
	if got := LevelForDebug(1); got != Debug {
		t.Fatalf("debug 1 = %v", got)
	}
	if got := LevelForDebug(2); got != Trace {
		t.Fatalf("debug 2 = %v", got)
	}
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf).With(Field{Key: "subsystem", Value: "reader"})
	l.Debug("hidden")
	l.Warn("queue stale", Field{Key: "discarded", Value: 12})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug entry leaked at info level: %q", out)
	}
	if !strings.Contains(out, "[WARN] queue stale subsystem=reader discarded=12") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if l.Enabled(Debug) || !l.Enabled(Error) {
		t.Fatalf("Enabled disagrees with configured level")
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	New(Debug, JSON, &buf).Info("connected", Field{Key: "addr", Value: "radar:10000"})

	line := buf.String()
	idx := strings.Index(line, "{")
	if idx < 0 {
		t.Fatalf("no json in %q", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line[idx:]), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["msg"] != "connected" || payload["addr"] != "radar:10000" || payload["level"] != "INFO" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestPrettyLoggerWrites(t *testing.T) {
	var buf bytes.Buffer
	New(Debug, Pretty, &buf).Info("batch emitted", Field{Key: "seq", Value: 3})
	if !strings.Contains(buf.String(), "batch emitted") {
		t.Fatalf("pretty output missing message: %q", buf.String())
	}
}

func TestRecorderSharesEntriesAcrossWith(t *testing.T) {
	r := NewRecorder()
	child := r.With(Field{Key: "subsystem", Value: "ledger"})
	child.Warn("high water mark")
	r.Info("other")

	if got := r.Count(Warn, "high water"); got != 1 {
		t.Fatalf("Count = %d", got)
	}
	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if v, ok := entries[0].Field("subsystem"); !ok || v != "ledger" {
		t.Fatalf("subsystem field = %v %v", v, ok)
	}
}
