// Package hostapi defines the contract between the plugin and the OpenClaw
// host. The host loads the plugin once, hands it an API handle, and fires
// hooks; message payloads arrive as loosely-typed JSON whose shape varies by
// provider SDK, so they are carried as maps with accessor helpers here.
package hostapi

import (
	"log/slog"
	"strings"
	"time"
)

// Hook names the plugin subscribes to.
const (
	HookBeforeAgentStart = "before_agent_start"
	HookAgentEnd         = "agent_end"
)

// Event is the payload of both hooks. Prompt and Model are set on
// before_agent_start; Messages carries the finished turn on agent_end, where
// Error is also populated when the host itself saw the turn fail.
type Event struct {
	Prompt   string    `json:"prompt,omitempty"`
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Result is what a hook handler may return to the host. PrependContext is a
// system preface injected ahead of the outgoing prompt.
type Result struct {
	PrependContext string `json:"prependContext,omitempty"`
}

// Handler processes one hook event. Returning a nil Result means "no
// interference".
type Handler func(ev Event) *Result

// API is the handle the host passes to Register at load time.
type API interface {
	Logger() *slog.Logger
	On(hook string, handler Handler, priority int)
}

// Message is one entry of a turn transcript. Shapes vary by provider SDK;
// accessors below implement the fixed precedence rules for the fields we
// care about and degrade to zero values on anything unknown.
type Message map[string]any

// Role returns the message role, or "".
func (m Message) Role() string {
	s, _ := m["role"].(string)
	return s
}

// Model returns the bare model name reported on the message, or "".
func (m Message) Model() string {
	s, _ := m["model"].(string)
	return s
}

// Provider returns the provider id reported on the message, or "".
func (m Message) Provider() string {
	s, _ := m["provider"].(string)
	return s
}

// Usage returns the usage object, or nil.
func (m Message) Usage() map[string]any {
	u, _ := m["usage"].(map[string]any)
	return u
}

// Timestamp parses the message timestamp, accepting ISO-8601 strings and
// numeric epoch milliseconds. ok is false when no usable timestamp exists.
func (m Message) Timestamp() (time.Time, bool) {
	switch v := m["timestamp"].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
	case float64:
		if v > 0 {
			return time.UnixMilli(int64(v)).UTC(), true
		}
	case int64:
		if v > 0 {
			return time.UnixMilli(v).UTC(), true
		}
	}
	return time.Time{}, false
}

// TextContent flattens the message content to text: either the raw string or
// the concatenated text blocks of an array-of-blocks content.
func (m Message) TextContent() string {
	switch c := m["content"].(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, blk := range c {
			bm, ok := blk.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := bm["type"].(string); t != "" && t != "text" {
				continue
			}
			if txt, _ := bm["text"].(string); txt != "" {
				b.WriteString(txt)
			}
		}
		return b.String()
	}
	return ""
}

// HasImageBlock reports whether the content carries an image block.
func (m Message) HasImageBlock() bool {
	blocks, ok := m["content"].([]any)
	if !ok {
		return false
	}
	for _, blk := range blocks {
		if bm, ok := blk.(map[string]any); ok {
			if t, _ := bm["type"].(string); t == "image" {
				return true
			}
		}
	}
	return false
}

// EmptyContent reports whether content is missing, empty, or an empty array.
func (m Message) EmptyContent() bool {
	switch c := m["content"].(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []any:
		return len(c) == 0
	}
	return false
}

// LastAssistant returns the final assistant message in a transcript, or nil.
func LastAssistant(messages []Message) Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role() == "assistant" {
			return messages[i]
		}
	}
	return nil
}
