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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/llms"
	"github.com/lucia-home/lucia/pkg/observability"
	"github.com/lucia-home/lucia/pkg/orchestrator"
	"github.com/lucia-home/lucia/pkg/task"
)

// scriptedLLM replays canned router completions; the last entry repeats.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llms.Message, opts *llms.GenerateOptions) (*llms.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return &llms.Completion{}, nil
	}
	text := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return &llms.Completion{Text: text}, nil
}

func (s *scriptedLLM) Model() string { return "gpt-4o-mini" }
func (s *scriptedLLM) Close() error  { return nil }

// stubAgent answers with a fixed reply.
type stubAgent struct {
	id    string
	reply func(ctx context.Context, message, thread string) (*agent.InvokeResult, error)
}

func (a *stubAgent) Card() agent.Card                        { return agent.Card{ID: a.id, Name: a.id} }
func (a *stubAgent) Initialize(ctx context.Context) error    { return nil }
func (a *stubAgent) RefreshConfig(ctx context.Context) error { return nil }
func (a *stubAgent) Invoke(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
	if a.reply != nil {
		return a.reply(ctx, message, thread)
	}
	return &agent.InvokeResult{Content: a.id + ": " + message}, nil
}

func routeJSON(agentID string, confidence float64) string {
	return fmt.Sprintf(`{"agentId":%q,"confidence":%v,"instructions":{}}`, agentID, confidence)
}

// newTestServer assembles a server over in-memory collaborators.
func newTestServer(t *testing.T, llm llms.LLM, agents ...*stubAgent) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Observability.Metrics.Enabled = false

	registry := agent.NewRegistry()
	for _, a := range agents {
		require.NoError(t, registry.Register(a.Card(), a, nil))
	}

	hub := observability.NewHub()
	t.Cleanup(hub.Close)

	store := task.NewInMemoryStore(time.Minute)
	router := orchestrator.NewRouter(llm, cfg.Orchestration, nil)
	orch := orchestrator.New(registry, router, store, hub, &observability.Metrics{}, cfg.Orchestration, time.Second)

	return New(cfg, registry, orch, hub, "test")
}

func rpcBody(t *testing.T, method string, params any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	return body
}

func sendParamsFor(text, messageID, contextID, taskID string) map[string]any {
	msg := map[string]any{
		"kind":      "message",
		"role":      "user",
		"messageId": messageID,
		"parts":     []map[string]any{{"kind": "text", "text": text}},
	}
	if contextID != "" {
		msg["contextId"] = contextID
	}
	if taskID != "" {
		msg["taskId"] = taskID
	}
	return map[string]any{"message": msg}
}
