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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/observability"
)

// ExecutorWrapper invokes one agent with its sub-instruction and
// normalizes the outcome into an AgentResponse. Execute only returns a
// non-nil error for caller-initiated cancellation; every other failure,
// timeouts included, becomes data in the response.
type ExecutorWrapper struct {
	invoker agent.Invoker
	timeout time.Duration
	hub     *observability.Hub
	metrics *observability.Metrics
}

// NewExecutorWrapper builds a wrapper with the configured per-agent
// timeout (30s default).
func NewExecutorWrapper(invoker agent.Invoker, timeout time.Duration, hub *observability.Hub, metrics *observability.Metrics) *ExecutorWrapper {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecutorWrapper{invoker: invoker, timeout: timeout, hub: hub, metrics: metrics}
}

// Execute runs one invocation. thread is the agent's prior session
// handle from the orchestration context, empty for a fresh session.
func (w *ExecutorWrapper) Execute(ctx context.Context, instruction, sessionID, thread string) (*AgentResponse, error) {
	agentID := w.invoker.AgentID()
	isRemote := w.invoker.IsRemote()

	startState := "Processing Prompt…"
	if isRemote {
		startState = "Processing…"
	}
	w.publish(observability.LiveEvent{
		Type:      observability.EventAgentStart,
		AgentName: agentID,
		State:     startState,
		IsRemote:  isRemote,
	})

	invokeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	result, err := w.invoke(invokeCtx, instruction, sessionID, thread)
	elapsed := time.Since(start)
	elapsedMs := elapsed.Milliseconds()

	// Caller cancellation is re-raised, never converted to a failure.
	if ctx.Err() != nil && invokeCtx.Err() != context.DeadlineExceeded {
		return nil, ctx.Err()
	}

	response := &AgentResponse{AgentID: agentID, ExecutionTimeMs: elapsedMs}
	switch {
	case err == nil:
		response.Success = true
		response.Content = result.Content
		response.NeedsInput = result.NeedsInput
		response.thread = result.Thread
		w.publishTools(agentID, isRemote, result.Tools)
	case errors.Is(err, context.DeadlineExceeded):
		response.ErrorMessage = fmt.Sprintf("Agent execution timed out after %dms.", w.timeout.Milliseconds())
		response.timedOut = true
	default:
		response.ErrorMessage = err.Error()
	}

	w.metrics.RecordAgentCall(ctx, elapsed.Seconds(), !response.Success)

	if response.Success {
		w.publish(observability.LiveEvent{
			Type:       observability.EventAgentComplete,
			AgentName:  agentID,
			State:      "Generating Response…",
			IsRemote:   isRemote,
			DurationMs: observability.Int64Ptr(elapsedMs),
		})
	} else {
		slog.Warn("Agent invocation failed", "agent", agentID, "remote", isRemote, "error", response.ErrorMessage)
		w.publish(observability.LiveEvent{
			Type:         observability.EventError,
			AgentName:    agentID,
			IsRemote:     isRemote,
			DurationMs:   observability.Int64Ptr(elapsedMs),
			ErrorMessage: response.ErrorMessage,
		})
	}
	return response, nil
}

// invoke shields the pipeline from panicking agents.
func (w *ExecutorWrapper) invoke(ctx context.Context, instruction, sessionID, thread string) (result *agent.InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	result, err = w.invoker.Invoke(ctx, instruction, sessionID, thread)
	if err == nil && result == nil {
		err = fmt.Errorf("agent returned no result")
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		// Normalize provider-specific deadline errors.
		err = context.DeadlineExceeded
	}
	return result, err
}

func (w *ExecutorWrapper) publishTools(agentID string, isRemote bool, tools []agent.ToolTrace) {
	for _, tool := range tools {
		w.publish(observability.LiveEvent{
			Type:      observability.EventToolCall,
			AgentName: agentID,
			ToolName:  tool.Name,
			State:     tool.Args,
			IsRemote:  isRemote,
		})
		w.publish(observability.LiveEvent{
			Type:      observability.EventToolResult,
			AgentName: agentID,
			ToolName:  tool.Name,
			State:     tool.Result,
			IsRemote:  isRemote,
		})
	}
}

func (w *ExecutorWrapper) publish(event observability.LiveEvent) {
	if w.hub != nil {
		w.hub.Publish(event)
	}
}
