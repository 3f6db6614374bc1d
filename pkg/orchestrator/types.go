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

package orchestrator

// AgentChoice is the router's decision for one request.
type AgentChoice struct {
	AgentID          string            `json:"agentId" jsonschema:"required,description=Registry id of the primary agent"`
	AdditionalAgents []string          `json:"additionalAgents,omitempty" jsonschema:"description=Further agent ids in dispatch order"`
	Instructions     map[string]string `json:"instructions" jsonschema:"required,description=Focused standalone sub-prompt per selected agent id"`
	Confidence       float64           `json:"confidence" jsonschema:"required,minimum=0,maximum=1,description=Routing confidence"`
	Reasoning        string            `json:"reasoning,omitempty" jsonschema:"description=Why these agents were selected"`
	// Mode may be set to "sequential" for routine flows that must not
	// fan out in parallel.
	Mode string `json:"mode,omitempty" jsonschema:"enum=parallel,enum=sequential,description=Fan-out mode hint"`

	// NeedsClarification is set by the validator when confidence fell
	// below the configured threshold and the clarify action is active.
	// It never comes from the model.
	NeedsClarification bool `json:"-"`
}

// OrderedAgents returns primary plus additional agents, deduplicated,
// in declaration order.
func (c *AgentChoice) OrderedAgents() []string {
	out := make([]string, 0, 1+len(c.AdditionalAgents))
	seen := make(map[string]bool, 1+len(c.AdditionalAgents))
	for _, id := range append([]string{c.AgentID}, c.AdditionalAgents...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// InstructionFor returns the sub-prompt for an agent, falling back to
// the original user message.
func (c *AgentChoice) InstructionFor(agentID, userText string) string {
	if instr, ok := c.Instructions[agentID]; ok && instr != "" {
		return instr
	}
	return userText
}

// AgentResponse is the normalized per-agent result.
// Invariant: Success is true exactly when ErrorMessage is empty.
type AgentResponse struct {
	AgentID         string `json:"agentId"`
	Content         string `json:"content"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	NeedsInput      bool   `json:"needsInput,omitempty"`

	// thread is the session handle to persist for the next turn; it
	// never leaves the process.
	thread string
	// timedOut marks failures caused by the per-agent deadline.
	timedOut bool
}

// Result is the orchestrator's reply envelope for one request.
type Result struct {
	Text            string   `json:"text"`
	NeedsInput      bool     `json:"needsInput"`
	AgentsUsed      []string `json:"agentsUsed"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
	// TaskState is "fresh", "resumed", or "completed".
	TaskState string `json:"taskState"`
}

// Task states reported in the reply envelope.
const (
	TaskStateFresh     = "fresh"
	TaskStateResumed   = "resumed"
	TaskStateCompleted = "completed"
)
