package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestJSONFormatWithComponentAndContext(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := ContextWithAttemptID(context.Background(), "att-1")
	ctx = ContextWithRequestID(ctx, "req-9")
	l.With("exam_id", "ai-101").InfoContext(ctx, "started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["attempt_id"] != "att-1" || entry["request_id"] != "req-9" {
		t.Errorf("context ids missing: %v", entry)
	}
	if entry["exam_id"] != "ai-101" {
		t.Errorf("exam_id = %v", entry["exam_id"])
	}
}

func TestNoContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("idle")
	if strings.Contains(buf.String(), "attempt_id") || strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected ids: %s", buf.String())
	}
}

func TestUnknownOutput(t *testing.T) {
	if _, _, err := New(Config{Output: "syslog"}); err == nil {
		t.Error("expected error for unknown output")
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("login", "api_key", "abc123", "Bearer_Token", "t0k", "user_id", "u1", "exam_id", "e1")

	out := buf.String()
	if strings.Contains(out, "abc123") || strings.Contains(out, "t0k") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "user_id=u1") || !strings.Contains(out, "exam_id=e1") {
		t.Errorf("identifiers dropped: %s", out)
	}
}

func TestIDsFromNilContext(t *testing.T) {
	if id := RequestIDFromContext(nil); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}
	if id := AttemptIDFromContext(context.Background()); id != "" {
		t.Errorf("expected empty attempt id, got %q", id)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctord.log")

	r, err := NewFileRotator(path, 1, 2, false)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	for i := 0; i < 4; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 600*1024)
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []string{path + ".1", path + ".2"}
	if got := r.Backups(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("backups = %v, want %v", got, want)
	}
	// Each write past the limit rotates, so path.1 holds the third chunk.
	for file, b := range map[string]byte{path: 'd', path + ".1": 'c', path + ".2": 'b'} {
		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		if len(data) != 600*1024 || data[0] != b {
			t.Errorf("%s: %d bytes starting %q", file, len(data), data[0])
		}
	}
	if _, err := r.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
}

func TestFileRotatorCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	r, err := NewFileRotator(path, 1, 1, true)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	first := bytes.Repeat([]byte("x"), 700*1024)
	if _, err := r.Write(first); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write(first); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path + ".1.gz")
	if err != nil {
		t.Fatalf("compressed backup missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if !bytes.Equal(data, first) {
		t.Errorf("backup holds %d bytes, want %d", len(data), len(first))
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("uncompressed backup left behind: %v", err)
	}
}

func TestFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator("", 1, 1, false); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf)

	ctx := ContextWithAttemptID(context.Background(), "att-7")
	if err := a.Log(ctx, AuditEvent{EventType: AuditViolation, UserID: "u1", ExamID: "e1",
		Details: map[string]interface{}{"kind": "tab_switch", "count": 2}}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := a.Log(ctx, AuditEvent{EventType: AuditReportFailed, Error: errors.New("refused").Error()}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EventType != AuditViolation || ev.AttemptID != "att-7" || ev.Component != "proctord" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not filled")
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	a, err := NewAuditLogger(path)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if err := a.Log(context.Background(), AuditEvent{EventType: AuditAttemptStart}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"attempt_start"`) {
		t.Errorf("unexpected audit file: %s", data)
	}
}

func TestNilAuditLogger(t *testing.T) {
	var a *AuditLogger
	if err := a.Log(context.Background(), AuditEvent{}); err != nil {
		t.Errorf("nil logger: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("nil close: %v", err)
	}
}
