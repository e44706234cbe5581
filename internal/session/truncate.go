// Package session rewrites the host's append-only JSONL session log to keep
// it under a token ceiling. Structural entries always survive; old content
// entries are replaced by a single compaction marker, and the parentId chain
// is rebuilt from scratch so the log stays a linear chain.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// structuralTypes are entry types that record metadata rather than
// conversational content. They are never dropped.
var structuralTypes = map[string]bool{
	"session":               true,
	"model_change":          true,
	"thinking_level_change": true,
	"custom":                true,
	"compaction":            true,
}

// structuralTokens is the flat estimate charged per structural entry.
const structuralTokens = 50

// Entry is one session-log line. Unknown fields are preserved verbatim
// through a truncation rewrite.
type Entry map[string]any

func (e Entry) entryType() string {
	s, _ := e["type"].(string)
	return s
}

func (e Entry) id() string {
	s, _ := e["id"].(string)
	return s
}

func (e Entry) isStructural() bool {
	return structuralTypes[e.entryType()]
}

// contentChars counts the characters of the entry's message content: the
// raw string, or the summed text blocks of an array content.
func (e Entry) contentChars() int {
	msg, ok := e["message"].(map[string]any)
	if !ok {
		return 0
	}
	switch c := msg["content"].(type) {
	case string:
		return len(c)
	case []any:
		total := 0
		for _, blk := range c {
			if bm, ok := blk.(map[string]any); ok {
				if txt, _ := bm["text"].(string); txt != "" {
					total += len(txt)
				}
			}
		}
		return total
	}
	return 0
}

// estimateTokens applies the chars/4 heuristic with a 50-token floor per
// content entry.
func estimateTokens(e Entry) int {
	if e.isStructural() {
		return structuralTokens
	}
	est := int(math.Ceil(float64(e.contentChars()) / 4))
	if est < structuralTokens {
		return structuralTokens
	}
	return est
}

// Result reports what a truncation pass did.
type Result struct {
	Truncated       bool
	Removed         int
	EstimatedTokens int // after truncation (or current size when untouched)
}

// ReadLog parses a JSONL session log. Blank and unparseable lines are
// skipped rather than failing the whole log.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func writeLog(path string, entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal session entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return fsstore.WriteBytes(path, buf.Bytes())
}

// EstimateLog sums token estimates across a log.
func EstimateLog(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += estimateTokens(e)
	}
	return total
}

// relink rebuilds the linear parent chain in place: the first entry gets a
// null parent, every later one points at its predecessor.
func relink(entries []Entry) {
	prev := ""
	for i, e := range entries {
		if i == 0 {
			e["parentId"] = nil
		} else {
			e["parentId"] = prev
		}
		prev = e.id()
	}
}

func compactionEntry(removed int) Entry {
	return Entry{
		"type":      "compaction",
		"id":        uuid.NewString(),
		"parentId":  nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message": map[string]any{
			"role": "system",
			"content": fmt.Sprintf(
				"[Session compacted: removed %d older messages to stay under the context limit. Earlier context is summarized out.]",
				removed),
		},
	}
}

// Truncate rewrites the log at path when its estimate exceeds maxTokens,
// keeping all structural entries and the last keepRecent content entries. A
// missing log, a log within budget, or too few content entries all return
// Truncated=false without writing.
func Truncate(path string, maxTokens, keepRecent int) (Result, error) {
	entries, err := ReadLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, err
	}

	total := EstimateLog(entries)
	if total <= maxTokens {
		return Result{EstimatedTokens: total}, nil
	}

	var contentIdx []int
	for i, e := range entries {
		if !e.isStructural() {
			contentIdx = append(contentIdx, i)
		}
	}
	if len(contentIdx) <= keepRecent {
		return Result{EstimatedTokens: total}, nil
	}

	dropBefore := contentIdx[len(contentIdx)-keepRecent] // first kept content entry
	removed := len(contentIdx) - keepRecent

	out := make([]Entry, 0, len(entries)-removed+1)
	inserted := false
	for i, e := range entries {
		if e.isStructural() {
			out = append(out, e)
			continue
		}
		if i < dropBefore {
			continue
		}
		if !inserted {
			out = append(out, compactionEntry(removed))
			inserted = true
		}
		out = append(out, e)
	}
	relink(out)

	if err := writeLog(path, out); err != nil {
		return Result{}, err
	}
	return Result{
		Truncated:       true,
		Removed:         removed,
		EstimatedTokens: EstimateLog(out),
	}, nil
}

// sessionsIndex is the sidecar mapping session keys to log file names.
type sessionsIndex map[string]struct {
	File string `json:"file"`
}

// ResolveLogPath looks up the session key in the sidecar index
// (sessions.json) and returns the absolute log path. Falls back to
// <key>.jsonl with path separators sanitized when no index entry exists.
func ResolveLogPath(sessionsDir, sessionKey string) string {
	var idx sessionsIndex
	if ok, _ := fsstore.ReadJSON(filepath.Join(sessionsDir, "sessions.json"), &idx); ok {
		if rec, ok := idx[sessionKey]; ok && rec.File != "" {
			return filepath.Join(sessionsDir, rec.File)
		}
	}
	safe := ""
	for _, r := range sessionKey {
		if r == '/' || r == '\\' || r == ':' {
			safe += "-"
		} else {
			safe += string(r)
		}
	}
	return filepath.Join(sessionsDir, safe+".jsonl")
}
