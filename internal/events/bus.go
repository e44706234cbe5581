// Package events provides an in-memory pub/sub bus for budget lifecycle
// events: routing decisions, provider switches, rollovers, and truncations.
// The HTTP layer streams these to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeDecision   Type = "decision"
	TypeSwitch     Type = "switch"
	TypeRollover   Type = "rollover"
	TypeTruncation Type = "truncation"
	TypeFailure    Type = "failure"
)

// Event is a single budget lifecycle event published on the bus.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Decision fields.
	Action   string `json:"action,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Switch fields.
	FromProvider string `json:"fromProvider,omitempty"`
	ToProvider   string `json:"toProvider,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// Spend fields.
	CostUSD      float64 `json:"costUsd,omitempty"`
	RemainingUSD float64 `json:"remainingUsd,omitempty"`

	// Truncation fields.
	RemovedEntries int `json:"removedEntries,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub bus. Publish never blocks; slow subscribers
// drop events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
