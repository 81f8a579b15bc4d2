package logging

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false},
		{"verbose", LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelFilter(t *testing.T) {
	var buf strings.Builder
	sink := NewTestSink(&buf, LevelWarn)
	log := sink.Component("server")

	log.Debugf("dropped")
	log.Infof("dropped too")
	log.Warnf("kept %d", 1)
	log.Errorf("kept %d", 2)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("sink wrote lines below its level:\n%s", out)
	}
	if !strings.Contains(out, "[server] kept 1") || !strings.Contains(out, "[server] kept 2") {
		t.Errorf("sink missing expected lines:\n%s", out)
	}
}

func TestClientEntry(t *testing.T) {
	var buf strings.Builder
	sink := NewTestSink(&buf, LevelDebug)

	sink.ClientEntry("warn", "editor", "save", "write failed", "EACCES")

	out := buf.String()
	if !strings.Contains(out, "[client] editor/save: write failed (EACCES)") {
		t.Errorf("client entry not formatted as expected:\n%s", out)
	}
	if !strings.Contains(out, "warn") {
		t.Errorf("client entry lost its level:\n%s", out)
	}
}

func TestClientEntryUnknownLevel(t *testing.T) {
	var buf strings.Builder
	sink := NewTestSink(&buf, LevelInfo)

	sink.ClientEntry("bogus", "ui", "", "hello", "")

	if !strings.Contains(buf.String(), "[client] ui: hello") {
		t.Errorf("unknown level should fall back to info:\n%s", buf.String())
	}
}
