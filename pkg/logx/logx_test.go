package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestWriterCarriesDispatchKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("dispatch"), Job("j-1"))
	log.Info("send failed", Recipient("u1"), Schedule("nightly"))

	m := decode(t, buf.Bytes())
	for k, want := range map[string]string{"comp": "dispatch", "job": "j-1", "recipient": "u1", "schedule": "nightly", "message": "send failed"} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %q", k, m[k], want)
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestBodyTruncates(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info")
	long := strings.Repeat("é", MaxBodyRunes+5)
	log.Info("msg", Body("text", long))

	m := decode(t, buf.Bytes())
	got, _ := m["text"].(string)
	if want := strings.Repeat("é", MaxBodyRunes) + "..."; got != want {
		t.Fatalf("text not cut at %d runes: %q", MaxBodyRunes, got)
	}
	if m["text_len"] != float64(MaxBodyRunes+5) {
		t.Fatalf("text_len = %v", m["text_len"])
	}

	buf.Reset()
	log.Info("msg", Body("text", "short"))
	if m := decode(t, buf.Bytes()); m["text"] != "short" || m["text_len"] != nil {
		t.Fatalf("short body altered: %v", m)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{" WARNING ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestLevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var log Logger
	if !log.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	log.With(Job("x")).Error("dropped")
}

func TestServiceApplyFollowsLoggers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "campuscast.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("before")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("after", Job("j-2"))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %q", lines)
	}
	if m := decode(t, []byte(lines[0])); m["message"] != "after" || m["job"] != "j-2" {
		t.Fatalf("unexpected entry %v", m)
	}
}
