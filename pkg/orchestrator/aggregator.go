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

import (
	"fmt"
	"strings"
	"sync"
)

// AggregationResult is the merged outcome of a fan-out.
type AggregationResult struct {
	Text                 string   `json:"text"`
	SuccessfulAgents     []string `json:"successfulAgents"`
	FailedAgents         []string `json:"failedAgents"`
	TotalExecutionTimeMs int64    `json:"totalExecutionTimeMs"`
	NeedsInput           bool     `json:"needsInput"`
}

// ResultAggregationState collects responses as they complete. Safe for
// concurrent writers; the merge reads it after the fan-out joins.
type ResultAggregationState struct {
	mu        sync.Mutex
	responses map[string]*AgentResponse
}

// NewAggregationState builds an empty state.
func NewAggregationState() *ResultAggregationState {
	return &ResultAggregationState{responses: make(map[string]*AgentResponse)}
}

// Add records one response, replacing any earlier one for the agent.
func (s *ResultAggregationState) Add(resp *AgentResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[resp.AgentID] = resp
}

// Get returns the response recorded for an agent.
func (s *ResultAggregationState) Get(agentID string) (*AgentResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[agentID]
	return resp, ok
}

// Len reports how many responses were collected.
func (s *ResultAggregationState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

const needsInputDivider = "\n---\n"

// Aggregate merges the collected responses in router-declared order.
// parallel selects the max timing rule; sequential sums.
func Aggregate(order []string, state *ResultAggregationState, parallel bool) *AggregationResult {
	result := &AggregationResult{}

	var (
		leading  string
		sections []string
		failures []string
	)
	for _, agentID := range order {
		resp, ok := state.Get(agentID)
		if !ok {
			continue
		}

		if parallel {
			if resp.ExecutionTimeMs > result.TotalExecutionTimeMs {
				result.TotalExecutionTimeMs = resp.ExecutionTimeMs
			}
		} else {
			result.TotalExecutionTimeMs += resp.ExecutionTimeMs
		}

		if !resp.Success {
			result.FailedAgents = append(result.FailedAgents, agentID)
			failures = append(failures, fmt.Sprintf("(%s: %s)", agentID, resp.ErrorMessage))
			continue
		}

		result.SuccessfulAgents = append(result.SuccessfulAgents, agentID)
		if resp.NeedsInput && !result.NeedsInput {
			// The first needs-input response leads: the system is asking
			// the user a clarifying question.
			result.NeedsInput = true
			leading = resp.Content
			continue
		}
		if resp.Content != "" {
			sections = append(sections, resp.Content)
		}
	}

	var sb strings.Builder
	switch {
	case result.NeedsInput:
		sb.WriteString(leading)
		if len(sections) > 0 {
			sb.WriteString(needsInputDivider)
			sb.WriteString(strings.Join(sections, "\n"))
		}
	case len(result.SuccessfulAgents) == 0 && len(failures) > 0:
		sb.WriteString("I'm sorry, I couldn't complete your request. ")
		sb.WriteString(strings.Join(failures, " "))
		result.Text = sb.String()
		return result
	default:
		sb.WriteString(strings.Join(sections, "\n"))
	}

	if len(failures) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(failures, "\n"))
	}

	result.Text = sb.String()
	return result
}
