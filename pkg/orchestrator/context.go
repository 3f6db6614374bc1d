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

// Package orchestrator implements the multi-agent pipeline: routing,
// fan-out execution, aggregation, and per-conversation state.
package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Turn is one entry of the bounded conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AgentID   string    `json:"agentId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OrchestrationContext is the per-conversation state blob, serialized
// into the task store between turns.
type OrchestrationContext struct {
	SessionID       string            `json:"sessionId"`
	TaskID          string            `json:"taskId,omitempty"`
	History         []Turn            `json:"history,omitempty"`
	AgentThreads    map[string]string `json:"agentThreads,omitempty"`
	PreviousAgentID string            `json:"previousAgentId,omitempty"`
	StateBag        map[string]any    `json:"stateBag,omitempty"`

	// Resumed marks that a prior turn already loaded this context from
	// the task store; the next completed turn reports "completed".
	Resumed bool `json:"resumed,omitempty"`

	// Replay detection: the last processed inbound message and the
	// reply it produced.
	LastMessageID  string   `json:"lastMessageId,omitempty"`
	LastReply      string   `json:"lastReply,omitempty"`
	LastNeedsInput bool     `json:"lastNeedsInput,omitempty"`
	LastAgentsUsed []string `json:"lastAgentsUsed,omitempty"`
}

// NewContext builds a fresh context for a session.
func NewContext(sessionID, taskID string) *OrchestrationContext {
	return &OrchestrationContext{
		SessionID:    sessionID,
		TaskID:       taskID,
		AgentThreads: make(map[string]string),
		StateBag:     make(map[string]any),
	}
}

// AppendTurn records a turn, evicting the oldest entries beyond cap.
func (c *OrchestrationContext) AppendTurn(turn Turn, cap int) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	c.History = append(c.History, turn)
	if cap > 0 && len(c.History) > cap {
		c.History = c.History[len(c.History)-cap:]
	}
}

// Marshal serializes the context for the task store. Maps are
// normalized by encoding/json, so equal contexts produce equal bytes.
func (c *OrchestrationContext) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalContext restores a stored context.
func UnmarshalContext(payload []byte) (*OrchestrationContext, error) {
	var c OrchestrationContext
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	if c.AgentThreads == nil {
		c.AgentThreads = make(map[string]string)
	}
	if c.StateBag == nil {
		c.StateBag = make(map[string]any)
	}
	return &c, nil
}

const requestContextMarker = "REQUEST_CONTEXT:"

// ResolveSessionID applies the priority chain: explicit argument, A2A
// context id, device id extracted from the prompt's REQUEST_CONTEXT
// block, then a generated UUID.
func ResolveSessionID(explicit, contextID, userText string) string {
	if explicit != "" {
		return explicit
	}
	if contextID != "" {
		return contextID
	}
	if deviceID := deviceIDFromPrompt(userText); deviceID != "" {
		return deviceID
	}
	return uuid.NewString()
}

// deviceIDFromPrompt scans the REQUEST_CONTEXT block Home Assistant
// appends to the prompt for a device_id line.
func deviceIDFromPrompt(text string) string {
	idx := strings.Index(text, requestContextMarker)
	if idx < 0 {
		return ""
	}
	for _, line := range strings.Split(text[idx+len(requestContextMarker):], "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(key) == "device_id" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
