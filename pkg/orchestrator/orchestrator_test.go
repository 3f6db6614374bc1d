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
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/observability"
	"github.com/lucia-home/lucia/pkg/task"
)

// stubAgent is a scriptable in-process agent.
type stubAgent struct {
	id    string
	reply func(ctx context.Context, message, thread string) (*agent.InvokeResult, error)

	mu    sync.Mutex
	calls int
}

func (a *stubAgent) Card() agent.Card                           { return agent.Card{ID: a.id, Name: a.id} }
func (a *stubAgent) Initialize(ctx context.Context) error       { return nil }
func (a *stubAgent) RefreshConfig(ctx context.Context) error    { return nil }
func (a *stubAgent) Invoke(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.reply != nil {
		return a.reply(ctx, message, thread)
	}
	return &agent.InvokeResult{Content: a.id + " handled: " + message}, nil
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type testHarness struct {
	orch     *Orchestrator
	registry *agent.Registry
	store    task.Store
	llm      *scriptedLLM
	hub      *observability.Hub
}

func newHarness(t *testing.T, cfg config.OrchestrationConfig, llm *scriptedLLM, agents ...*stubAgent) *testHarness {
	t.Helper()

	registry := agent.NewRegistry()
	for _, a := range agents {
		require.NoError(t, registry.Register(a.Card(), a, nil))
	}

	hub := observability.NewHub()
	t.Cleanup(hub.Close)

	store := task.NewInMemoryStore(time.Minute)
	router := NewRouter(llm, cfg, nil)
	orch := New(registry, router, store, hub, &observability.Metrics{}, cfg, time.Second)

	return &testHarness{orch: orch, registry: registry, store: store, llm: llm, hub: hub}
}

func TestProcessRequest_SingleAgent(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)

	result, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "turn on the kitchen lights"})
	require.NoError(t, err)

	assert.Equal(t, "lights handled: turn on the kitchen lights", result.Text)
	assert.Equal(t, []string{"lights"}, result.AgentsUsed)
	assert.Equal(t, TaskStateFresh, result.TaskState)
	assert.False(t, result.NeedsInput)
	assert.GreaterOrEqual(t, result.ExecutionTimeMs, int64(0))
	assert.Equal(t, 1, lights.callCount())
}

func TestProcessRequest_SubInstructionsDispatch(t *testing.T) {
	var gotLights, gotClimate string
	lights := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		gotLights = message
		return &agent.InvokeResult{Content: "lights ok"}, nil
	}}
	climate := &stubAgent{id: "climate", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		gotClimate = message
		return &agent.InvokeResult{Content: "climate ok"}, nil
	}}

	choice := map[string]any{
		"agentId":          "lights",
		"additionalAgents": []string{"climate"},
		"confidence":       0.95,
		"instructions": map[string]string{
			"lights":  "turn on the living room lights",
			"climate": "set the living room to 21C",
		},
	}
	data, _ := json.Marshal(choice)

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{string(data)}}, lights, climate)

	result, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "movie night setup"})
	require.NoError(t, err)

	assert.Equal(t, "turn on the living room lights", gotLights)
	assert.Equal(t, "set the living room to 21C", gotClimate)
	assert.Equal(t, []string{"lights", "climate"}, result.AgentsUsed)
	assert.Equal(t, "lights ok\nclimate ok", result.Text)
}

func TestProcessRequest_SequentialMode(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(id string) func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		return func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return &agent.InvokeResult{Content: id}, nil
		}
	}
	lights := &stubAgent{id: "lights", reply: record("lights")}
	climate := &stubAgent{id: "climate", reply: record("climate")}

	choice := map[string]any{
		"agentId":          "lights",
		"additionalAgents": []string{"climate"},
		"confidence":       0.9,
		"mode":             "sequential",
		"instructions":     map[string]string{},
	}
	data, _ := json.Marshal(choice)

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{string(data)}}, lights, climate)

	result, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "good morning"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lights", "climate"}, order)
	assert.Equal(t, "lights\nclimate", result.Text)
}

func TestProcessRequest_AgentFailureNoted(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	climate := &stubAgent{id: "climate", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		return nil, assert.AnError
	}}

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9, "climate")}}, lights, climate)

	result, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "evening routine"})
	require.NoError(t, err, "partial failure still answers")
	assert.Contains(t, result.Text, "lights handled")
	assert.Contains(t, result.Text, "(climate: "+assert.AnError.Error()+")")
}

func TestProcessRequest_RouterFailure(t *testing.T) {
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{"garbage"}}, &stubAgent{id: "lights"})

	_, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouterFailure)

	var orchErr *OrchestrationError
	require.ErrorAs(t, err, &orchErr)
	assert.Equal(t, CodeRouterFailure, orchErr.Code)
	assert.NotEmpty(t, orchErr.Message)
}

func TestProcessRequest_ClarifyAppended(t *testing.T) {
	cfg := testOrchestrationConfig()
	cfg.LowConfidenceAction = "clarify"

	lights := &stubAgent{id: "lights"}
	h := newHarness(t, cfg, &scriptedLLM{replies: []string{routeJSON("lights", 0.2)}}, lights)

	result, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "do the usual"})
	require.NoError(t, err)
	assert.True(t, result.NeedsInput)
	assert.Contains(t, result.Text, "Did I handle that correctly?")
	assert.Equal(t, 1, lights.callCount(), "clarify still executes the best guess")
}

func TestProcessRequest_TaskLifecycle(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)
	ctx := context.Background()

	first, err := h.orch.ProcessRequest(ctx, Request{UserText: "start movie night", TaskID: "task-1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateFresh, first.TaskState)

	rec, err := h.store.Load(ctx, "task-1")
	require.NoError(t, err)
	octx, err := UnmarshalContext(rec.Payload)
	require.NoError(t, err)
	assert.Len(t, octx.History, 2, "user turn plus assistant turn")
	assert.Equal(t, "m1", octx.LastMessageID)
	assert.False(t, octx.Resumed)

	second, err := h.orch.ProcessRequest(ctx, Request{UserText: "dim them a bit", TaskID: "task-1", MessageID: "m2"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateResumed, second.TaskState)

	third, err := h.orch.ProcessRequest(ctx, Request{UserText: "perfect, thanks", TaskID: "task-1", MessageID: "m3"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateCompleted, third.TaskState)
}

func TestProcessRequest_DuplicateMessageReplayed(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)
	ctx := context.Background()

	first, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on lights", TaskID: "task-1", MessageID: "m1"})
	require.NoError(t, err)

	replay, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on lights", TaskID: "task-1", MessageID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, first.Text, replay.Text)
	assert.Equal(t, first.AgentsUsed, replay.AgentsUsed)
	assert.Equal(t, 1, lights.callCount(), "the workflow must not run twice")
	assert.Equal(t, 1, h.llm.callCount(), "the router must not run twice")
}

func TestProcessRequest_SessionFromPrompt(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)

	userText := "turn on the lights\nREQUEST_CONTEXT:\ndevice_id: kitchen-display\n"
	_, err := h.orch.ProcessRequest(context.Background(), Request{UserText: userText})
	require.NoError(t, err)

	log := h.orch.RoutingLog()
	require.Len(t, log, 1)
	assert.Equal(t, "kitchen-display", log[0].SessionID)
	assert.Equal(t, "lights", log[0].Choice.AgentID)
}

func TestProcessRequest_CallerCancellation(t *testing.T) {
	blocked := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, blocked)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on lights", TaskID: "task-1", MessageID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var orchErr *OrchestrationError
	assert.False(t, errors.As(err, &orchErr), "caller cancellation is not an orchestration failure")

	_, err = h.store.Load(context.Background(), "task-1")
	assert.ErrorIs(t, err, task.ErrNotFound, "canceled turns are not persisted")
}

func TestProcessRequest_ThreadsPersistAcrossTurns(t *testing.T) {
	var threads []string
	var mu sync.Mutex
	lights := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		mu.Lock()
		threads = append(threads, thread)
		mu.Unlock()
		return &agent.InvokeResult{Content: "ok", Thread: "thread-42"}, nil
	}}

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)
	ctx := context.Background()

	_, err := h.orch.ProcessRequest(ctx, Request{UserText: "first", TaskID: "task-1", MessageID: "m1"})
	require.NoError(t, err)
	_, err = h.orch.ProcessRequest(ctx, Request{UserText: "second", TaskID: "task-1", MessageID: "m2"})
	require.NoError(t, err)

	require.Len(t, threads, 2)
	assert.Equal(t, "", threads[0], "first turn starts a fresh thread")
	assert.Equal(t, "thread-42", threads[1], "second turn resumes the stored thread")
}

func TestProcessRequest_LocalAgentSerializedPerSession(t *testing.T) {
	var inflight, violations int32
	slow := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		if atomic.AddInt32(&inflight, 1) > 1 {
			atomic.AddInt32(&violations, 1)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return &agent.InvokeResult{Content: "ok"}, nil
	}}

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, slow)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.ProcessRequest(context.Background(), Request{UserText: "hi", SessionID: "sess-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&violations), "same local agent must never run concurrently for one session")
}

func TestProcessRequest_ETagConflictRetried(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	mem := task.NewInMemoryStore(time.Minute)
	racing := &racingStore{Store: mem}

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(lights.Card(), lights, nil))
	cfg := testOrchestrationConfig()
	router := NewRouter(&scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, cfg, nil)
	orch := New(registry, router, racing, nil, &observability.Metrics{}, cfg, time.Second)

	result, err := orch.ProcessRequest(context.Background(), Request{UserText: "turn on lights", TaskID: "task-1", MessageID: "m1"})
	require.NoError(t, err, "etag conflicts never fail the request")
	require.NotNil(t, result)

	rec, err := mem.Load(context.Background(), "task-1")
	require.NoError(t, err)
	merged, err := UnmarshalContext(rec.Payload)
	require.NoError(t, err)

	var contents []string
	for _, turn := range merged.History {
		contents = append(contents, turn.Content)
	}
	assert.Contains(t, contents, "concurrent turn", "the other writer's turn survives")
	assert.Contains(t, contents, "turn on lights", "this turn is reapplied on top")
}

// racingStore lets another writer sneak in before the first save, which
// forces the etag CAS down its reload-and-retry path.
type racingStore struct {
	task.Store
	once sync.Once
}

func (s *racingStore) Save(ctx context.Context, taskID string, payload []byte, expectedETag string) (string, error) {
	s.once.Do(func() {
		current := ""
		other := NewContext("other-session", taskID)
		if rec, err := s.Store.Load(ctx, taskID); err == nil {
			current = rec.ETag
			if loaded, lerr := UnmarshalContext(rec.Payload); lerr == nil {
				other = loaded
			}
		}
		other.AppendTurn(Turn{Role: "user", Content: "concurrent turn"}, 0)
		if p, err := other.Marshal(); err == nil {
			_, _ = s.Store.Save(ctx, taskID, p, current)
		}
	})
	return s.Store.Save(ctx, taskID, payload, expectedETag)
}

func TestProcessRequest_SessionContinuityWithoutTask(t *testing.T) {
	var threads []string
	var mu sync.Mutex
	lights := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		mu.Lock()
		threads = append(threads, thread)
		mu.Unlock()
		return &agent.InvokeResult{Content: "ok", Thread: "thread-42"}, nil
	}}

	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)
	ctx := context.Background()

	first, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on the lights", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateFresh, first.TaskState)

	second, err := h.orch.ProcessRequest(ctx, Request{UserText: "dim them", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateFresh, second.TaskState, "session continuity does not resume a task")

	require.Len(t, threads, 2)
	assert.Equal(t, "", threads[0], "first turn starts a fresh thread")
	assert.Equal(t, "thread-42", threads[1], "same session reuses the stored thread without a task id")

	rec, err := h.store.Load(ctx, "session:sess-1")
	require.NoError(t, err)
	octx, err := UnmarshalContext(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", octx.SessionID)
	assert.Len(t, octx.History, 4, "both turns accumulate in the session record")
}

func TestProcessRequest_DuplicateMessageReplayedBySession(t *testing.T) {
	lights := &stubAgent{id: "lights"}
	h := newHarness(t, testOrchestrationConfig(), &scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, lights)
	ctx := context.Background()

	first, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on lights", SessionID: "sess-1", MessageID: "m1"})
	require.NoError(t, err)

	replay, err := h.orch.ProcessRequest(ctx, Request{UserText: "turn on lights", SessionID: "sess-1", MessageID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, first.Text, replay.Text)
	assert.Equal(t, 1, lights.callCount(), "the workflow must not run twice")
	assert.Equal(t, 1, h.llm.callCount(), "the router must not run twice")
}

func TestProcessRequest_AllAgentsTimedOut(t *testing.T) {
	slow := &stubAgent{id: "lights", reply: func(ctx context.Context, message, thread string) (*agent.InvokeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(slow.Card(), slow, nil))
	cfg := testOrchestrationConfig()
	router := NewRouter(&scriptedLLM{replies: []string{routeJSON("lights", 0.9)}}, cfg, nil)
	orch := New(registry, router, task.NewInMemoryStore(time.Minute), nil, &observability.Metrics{}, cfg, 20*time.Millisecond)

	_, err := orch.ProcessRequest(context.Background(), Request{UserText: "turn on lights"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentTimeout)

	var orchErr *OrchestrationError
	require.ErrorAs(t, err, &orchErr)
	assert.Equal(t, CodeAgentTimeout, orchErr.Code)
}

func TestKeyedMutex_ReleasesIdleEntries(t *testing.T) {
	k := newKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("sess-1/lights")
			time.Sleep(time.Millisecond)
			unlock()
		}()
	}
	unlock := k.lock("sess-2/lights")
	unlock()
	wg.Wait()

	k.mu.Lock()
	remaining := len(k.locks)
	k.mu.Unlock()
	assert.Zero(t, remaining, "released keys must not accumulate")
}
