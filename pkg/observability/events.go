// Copyright 2025 Lucia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability carries the live-activity event model, metrics,
// and tracing for the orchestration pipeline.
package observability

import (
	"sync"
	"time"
)

// EventType enumerates lifecycle transitions reported on the activity
// stream.
type EventType string

const (
	EventRequestStart    EventType = "requestStart"
	EventRouting         EventType = "routing"
	EventAgentResolution EventType = "agentResolution"
	EventAgentStart      EventType = "agentStart"
	EventToolCall        EventType = "toolCall"
	EventToolResult      EventType = "toolResult"
	EventAgentComplete   EventType = "agentComplete"
	EventRequestComplete EventType = "requestComplete"
	EventError           EventType = "error"
)

// LiveEvent is one lifecycle transition, serialized as-is onto the SSE
// stream.
type LiveEvent struct {
	Type         EventType `json:"type"`
	AgentName    string    `json:"agentName,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	State        string    `json:"state,omitempty"`
	IsRemote     bool      `json:"isRemote,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	DurationMs   *int64    `json:"durationMs,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const subscriberBuffer = 100

// Hub fans LiveEvents out to subscribers. Publishing never blocks: each
// subscriber owns a bounded buffer and the oldest event is dropped when
// it fills. Event order within one request is preserved per subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan LiveEvent
	next int
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan LiveEvent)}
}

// Publish delivers the event to all subscribers, stamping the timestamp
// when unset.
func (h *Hub) Publish(event LiveEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Buffer full: drop the oldest, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a receive channel and a cancel function. The
// channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan LiveEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan LiveEvent, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount reports how many subscribers are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Float64Ptr is a convenience for optional event fields.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr is a convenience for optional event fields.
func Int64Ptr(v int64) *int64 { return &v }
