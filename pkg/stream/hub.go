// Package stream fans pipeline lifecycle events out to operator dashboard
// connections. Events carry submission ids and decisions only; tokens and
// payloads never enter the hub.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// OutcomeEvent announces one terminal authorization decision.
func OutcomeEvent(submissionID, platform, decision string) Event {
	return NewEvent("outcome", map[string]string{
		"submission_id": submissionID,
		"platform":      platform,
		"decision":      decision,
	})
}

// PoisonEvent announces an item entering the poison store.
func PoisonEvent(submissionID, platform, lastError string, attempts int) Event {
	return NewEvent("poisoned", map[string]interface{}{
		"submission_id": submissionID,
		"platform":      platform,
		"last_error":    lastError,
		"attempts":      attempts,
	})
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers to every subscriber without blocking; slow subscribers
// drop events rather than stall the pipeline.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
