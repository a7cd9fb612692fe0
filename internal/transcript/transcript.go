// Package transcript adapts an agent's newline-delimited JSON transcript
// file into a lazy sequence of tool calls (spec §6). Grounded on the
// teacher's internal/infra/analytics/journal FileReader, generalized from
// a fixed TurnJournalEntry schema keyed by session id to a plain file path
// plus a pluggable per-adapter RecordParser, since each coding-agent CLI
// emits its own transcript line shape.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"tx/internal/txerr"
)

// ToolCall is one parsed transcript record (spec §6).
type ToolCall struct {
	Timestamp time.Time
	Name      string
	Input     map[string]any
}

// RecordParser converts one raw transcript line into a ToolCall. Adapters
// for different agent CLIs supply their own parser; lines a parser has
// nothing to say about (e.g. a plain log line) are skipped by returning
// ok=false with a nil error.
type RecordParser func(line []byte) (call ToolCall, ok bool, err error)

// GenericParser handles the fallback transcript shape: a flat JSON object
// with "timestamp" (RFC3339), "name", and "input" fields. Agent-specific
// adapters that diverge from this shape supply their own RecordParser.
func GenericParser(line []byte) (ToolCall, bool, error) {
	var raw struct {
		Timestamp time.Time      `json:"timestamp"`
		Name      string         `json:"name"`
		Input     map[string]any `json:"input"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return ToolCall{}, false, err
	}
	if raw.Name == "" {
		return ToolCall{}, false, nil
	}
	return ToolCall{Timestamp: raw.Timestamp, Name: raw.Name, Input: raw.Input}, true, nil
}

// Reader streams tool calls out of a transcript file, one line at a time,
// without loading the whole file into memory.
type Reader struct {
	parser RecordParser
}

// NewReader builds a Reader. A nil parser defaults to GenericParser.
func NewReader(parser RecordParser) *Reader {
	if parser == nil {
		parser = GenericParser
	}
	return &Reader{parser: parser}
}

// Stream walks path line by line, invoking fn for each successfully parsed
// ToolCall in file order. A parse error aborts the walk; a line the parser
// declines (ok=false) is silently skipped.
func (r *Reader) Stream(ctx context.Context, path string, fn func(ToolCall) error) error {
	f, err := os.Open(path)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "open transcript", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		call, ok, err := r.parser(line)
		if err != nil {
			return txerr.Wrap(txerr.CodeValidationError, "parse transcript record", err)
		}
		if !ok {
			continue
		}
		if err := fn(call); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "scan transcript", err)
	}
	return nil
}

// ReadAll materializes every tool call in path.
func (r *Reader) ReadAll(ctx context.Context, path string) ([]ToolCall, error) {
	var out []ToolCall
	if err := r.Stream(ctx, path, func(c ToolCall) error {
		out = append(out, c)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}
