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

package agent

import "context"

// LocalAgent is the capability set an in-process agent provides at
// registration time. Implementations are compile-time registered
// modules; there is no dynamic loading.
type LocalAgent interface {
	Card() Card
	Initialize(ctx context.Context) error
	// Invoke runs one turn. thread is the opaque handle produced by the
	// agent's SessionFactory; an empty thread means a fresh session.
	Invoke(ctx context.Context, message, thread string) (*InvokeResult, error)
	RefreshConfig(ctx context.Context) error
}

// SessionFactory mints per-conversation thread handles for a local
// agent. The orchestration context stores the handle between turns.
type SessionFactory interface {
	NewThread(ctx context.Context, sessionID string) (string, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context, sessionID string) (string, error)

func (f SessionFactoryFunc) NewThread(ctx context.Context, sessionID string) (string, error) {
	return f(ctx, sessionID)
}

// ToolTrace records one tool invocation made by a local agent during a
// turn, surfaced to the live-activity stream.
type ToolTrace struct {
	Name   string `json:"name"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"`
}

// InvokeResult is the raw outcome of one agent invocation, before the
// executor wrapper normalizes it into an AgentResponse.
type InvokeResult struct {
	Content    string
	NeedsInput bool
	// Thread is the (possibly new) session handle to persist for the
	// next turn. Remote invokers leave it empty.
	Thread string
	Tools  []ToolTrace
}

// Invoker calls one agent and reports the raw result. Local and remote
// variants share this contract; errors are returned, not panicked, and
// the executor wrapper converts them into failed responses.
type Invoker interface {
	AgentID() string
	IsRemote() bool
	Invoke(ctx context.Context, instruction, sessionID, thread string) (*InvokeResult, error)
}
