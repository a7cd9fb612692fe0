package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.ndjson")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}
	return path
}

func TestReaderReadAllGenericParser(t *testing.T) {
	path := writeLines(t,
		`{"timestamp":"2026-01-01T00:00:00Z","name":"Read","input":{"path":"a.go"}}`,
		`{"timestamp":"2026-01-01T00:00:01Z","name":"Edit","input":{"path":"a.go"}}`,
	)
	reader := NewReader(nil)
	calls, err := reader.ReadAll(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "Read" || calls[1].Name != "Edit" {
		t.Fatalf("unexpected call order: %+v", calls)
	}
	if calls[0].Input["path"] != "a.go" {
		t.Fatalf("unexpected input: %+v", calls[0].Input)
	}
}

func TestReaderSkipsRecordsTheParserDeclines(t *testing.T) {
	path := writeLines(t,
		`{"timestamp":"2026-01-01T00:00:00Z","name":"Read","input":{}}`,
		`{"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	reader := NewReader(nil)
	calls, err := reader.ReadAll(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
}

func TestReaderStreamHonorsContext(t *testing.T) {
	path := writeLines(t,
		`{"timestamp":"2026-01-01T00:00:00Z","name":"Read","input":{}}`,
		`{"timestamp":"2026-01-01T00:00:01Z","name":"Edit","input":{}}`,
	)
	reader := NewReader(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := reader.Stream(ctx, path, func(ToolCall) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestReaderStreamPropagatesParseError(t *testing.T) {
	path := writeLines(t, `not json`)
	reader := NewReader(nil)
	_, err := reader.ReadAll(context.Background(), path)
	if err == nil {
		t.Fatal("expected a parse error, got nil")
	}
}

func TestCustomParserAdapter(t *testing.T) {
	path := writeLines(t, `custom|Bash|ls -la`)
	custom := func(line []byte) (ToolCall, bool, error) {
		parts := splitPipe(string(line))
		if len(parts) != 3 || parts[0] != "custom" {
			return ToolCall{}, false, nil
		}
		return ToolCall{Name: parts[1], Input: map[string]any{"cmd": parts[2]}}, true, nil
	}
	reader := NewReader(custom)
	calls, err := reader.ReadAll(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "Bash" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func splitPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
