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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/observability"
	"github.com/lucia-home/lucia/pkg/task"
)

// Request is one inbound orchestration request.
type Request struct {
	UserText string
	// TaskID resumes a persisted workflow when set.
	TaskID string
	// SessionID takes highest priority in the session chain.
	SessionID string
	// ContextID is the A2A conversation id.
	ContextID string
	// MessageID enables duplicate-turn detection.
	MessageID string
}

// RoutingLogEntry is one recent routing decision, kept for diagnostics.
type RoutingLogEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	SessionID string       `json:"sessionId"`
	Choice    *AgentChoice `json:"choice"`
}

const routingLogCapacity = 100

// Orchestrator wires the workflow graph: router, fan-out to executor
// wrappers, aggregation, and task persistence.
type Orchestrator struct {
	registry       *agent.Registry
	router         *Router
	store          task.Store
	hub            *observability.Hub
	metrics        *observability.Metrics
	tracer         trace.Tracer
	cfg            config.OrchestrationConfig
	invokerTimeout time.Duration

	logMu      sync.Mutex
	routingLog []RoutingLogEntry

	sessions keyedMutex
}

// New assembles an orchestrator.
func New(registry *agent.Registry, router *Router, store task.Store, hub *observability.Hub,
	metrics *observability.Metrics, cfg config.OrchestrationConfig, invokerTimeout time.Duration) *Orchestrator {
	if invokerTimeout <= 0 {
		invokerTimeout = 30 * time.Second
	}
	return &Orchestrator{
		registry:       registry,
		router:         router,
		store:          store,
		hub:            hub,
		metrics:        metrics,
		tracer:         observability.Tracer("lucia.orchestrator"),
		cfg:            cfg,
		invokerTimeout: invokerTimeout,
		sessions:       newKeyedMutex(),
	}
}

// Store exposes the task store for diagnostics handlers.
func (o *Orchestrator) Store() task.Store {
	return o.store
}

// Registry exposes agent membership for the transport layer.
func (o *Orchestrator) Registry() *agent.Registry {
	return o.registry
}

// ProcessRequest runs one request through the workflow and always
// returns either a structured result or a typed orchestration error.
// Caller cancellation is returned as the context error: no task write
// happens for the in-flight turn and no completion event is emitted.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "ProcessRequest")
	defer span.End()

	o.publish(observability.LiveEvent{Type: observability.EventRequestStart})

	result, err := o.process(ctx, req, start)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
		var orchErr *OrchestrationError
		if !errors.As(err, &orchErr) {
			orchErr = workflowError(err)
		}
		slog.Error("Request failed", "code", orchErr.Code, "error", err)
		o.metrics.RecordRequest(ctx, time.Since(start).Seconds(), true)
		o.publish(observability.LiveEvent{
			Type:         observability.EventError,
			ErrorMessage: orchErr.Message,
			DurationMs:   observability.Int64Ptr(time.Since(start).Milliseconds()),
		})
		return nil, orchErr
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	o.metrics.RecordRequest(ctx, time.Since(start).Seconds(), false)
	o.publish(observability.LiveEvent{
		Type:       observability.EventRequestComplete,
		DurationMs: observability.Int64Ptr(result.ExecutionTimeMs),
	})
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, req Request, start time.Time) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = workflowError(fmt.Errorf("panic: %v", r))
		}
	}()

	sessionID := ResolveSessionID(req.SessionID, req.ContextID, req.UserText)
	octx, etag, taskState := o.hydrate(ctx, req, sessionID)
	sessionID = octx.SessionID

	// Replaying the same message returns the same reply without
	// re-running the workflow.
	if req.MessageID != "" && octx.LastMessageID == req.MessageID {
		slog.Info("Duplicate message replayed", "session", sessionID, "message", req.MessageID)
		return &Result{
			Text:       octx.LastReply,
			NeedsInput: octx.LastNeedsInput,
			AgentsUsed: octx.LastAgentsUsed,
			TaskState:  taskState,
		}, nil
	}

	slog.Debug("Request state", "state", "Routing", "session", sessionID)
	snap := o.registry.Snapshot()
	choice, err := o.router.Route(ctx, req.UserText, snap, octx.History)
	if err != nil {
		return nil, err
	}
	o.recordRouting(sessionID, choice)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("lucia.session_id", sessionID),
		attribute.String("lucia.primary_agent", choice.AgentID),
		attribute.Float64("lucia.confidence", choice.Confidence),
	)
	o.publish(observability.LiveEvent{
		Type:       observability.EventRouting,
		AgentName:  choice.AgentID,
		Confidence: observability.Float64Ptr(choice.Confidence),
		State:      choice.Reasoning,
	})

	order := choice.OrderedAgents()
	parallel := o.cfg.EnableMultiAgentCoordination && len(order) > 1 && choice.Mode != "sequential"

	slog.Debug("Request state", "state", "Dispatching", "session", sessionID, "agents", order, "parallel", parallel)
	aggState := NewAggregationState()
	if err := o.dispatch(ctx, snap, choice, order, parallel, req.UserText, octx, aggState); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if aggState.Len() == 0 {
		return nil, agentTimeout(fmt.Errorf("no agent produced a response"))
	}
	if allTimedOut(order, aggState) {
		return nil, agentTimeout(fmt.Errorf("all agents timed out after %s", o.invokerTimeout))
	}

	slog.Debug("Request state", "state", "Aggregating", "session", sessionID)
	agg := Aggregate(order, aggState, parallel)
	if choice.NeedsClarification && !agg.NeedsInput {
		agg.NeedsInput = true
		agg.Text += "\n\nI wasn't fully confident I understood your request. Did I handle that correctly?"
	}

	o.applyTurn(octx, req, choice, order, aggState, agg)

	if taskState == TaskStateResumed {
		if octx.Resumed && !agg.NeedsInput {
			taskState = TaskStateCompleted
		}
		octx.Resumed = true
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	o.persist(ctx, storeKey(req.TaskID, octx.SessionID), req, octx, etag, choice, order, aggState, agg)

	return &Result{
		Text:       agg.Text,
		NeedsInput: agg.NeedsInput,
		AgentsUsed: order,
		TaskState:  taskState,
	}, nil
}

// storeKey is the persistence key for a request: the task id when one
// is supplied, otherwise the session's own record. Session records are
// namespaced so a session id can never collide with a task id.
func storeKey(taskID, sessionID string) string {
	if taskID != "" {
		return taskID
	}
	return "session:" + sessionID
}

// hydrate loads the persisted context for this request. A task id
// resumes a workflow record; without one the session record supplies
// history and agent threads (state stays "fresh", only task resumption
// reports "resumed"). A miss or store failure degrades to a fresh
// context.
func (o *Orchestrator) hydrate(ctx context.Context, req Request, sessionID string) (*OrchestrationContext, string, string) {
	octx := NewContext(sessionID, req.TaskID)
	key := storeKey(req.TaskID, sessionID)

	rec, err := o.store.Load(ctx, key)
	switch {
	case err == nil:
		loaded, uerr := UnmarshalContext(rec.Payload)
		if uerr != nil {
			slog.Warn("Stored context is unreadable, starting fresh", "key", key, "error", uerr)
			return octx, rec.ETag, TaskStateFresh
		}
		loaded.TaskID = req.TaskID
		if loaded.SessionID == "" {
			loaded.SessionID = sessionID
		}
		if req.TaskID == "" {
			return loaded, rec.ETag, TaskStateFresh
		}
		slog.Info("Task context resumed", "task", req.TaskID, "session", loaded.SessionID)
		return loaded, rec.ETag, TaskStateResumed
	case errors.Is(err, task.ErrNotFound):
		return octx, "", TaskStateFresh
	default:
		slog.Warn("Context load failed, proceeding with fresh context", "key", key, "error", err)
		return octx, "", TaskStateFresh
	}
}

// allTimedOut reports whether every selected agent hit its deadline.
// Partial timeouts stay in the aggregated reply as failure notes.
func allTimedOut(order []string, aggState *ResultAggregationState) bool {
	for _, agentID := range order {
		resp, ok := aggState.Get(agentID)
		if !ok || !resp.timedOut {
			return false
		}
	}
	return len(order) > 0
}

// dispatch fans out to the selected agents. Local agents are serialized
// per session so a thread handle is never used concurrently.
func (o *Orchestrator) dispatch(ctx context.Context, snap *agent.Snapshot, choice *AgentChoice,
	order []string, parallel bool, userText string, octx *OrchestrationContext, aggState *ResultAggregationState) error {

	execute := func(ctx context.Context, agentID string) error {
		invoker, rerr := snap.ResolveInvoker(agentID)
		if rerr != nil {
			aggState.Add(&AgentResponse{AgentID: agentID, ErrorMessage: rerr.Error()})
			return nil
		}
		if !invoker.IsRemote() {
			unlock := o.sessions.lock(octx.SessionID + "/" + agentID)
			defer unlock()
		}

		wrapper := NewExecutorWrapper(invoker, o.invokerTimeout, o.hub, o.metrics)
		resp, err := wrapper.Execute(ctx, choice.InstructionFor(agentID, userText), octx.SessionID, octx.AgentThreads[agentID])
		if err != nil {
			return err
		}
		aggState.Add(resp)
		return nil
	}

	if !parallel {
		for _, agentID := range order {
			if err := execute(ctx, agentID); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelAgents)
	for _, agentID := range order {
		g.Go(func() error {
			return execute(gctx, agentID)
		})
	}
	return g.Wait()
}

// applyTurn folds this turn's outcome into the context. Also used to
// reapply onto a freshly loaded context after an etag conflict.
func (o *Orchestrator) applyTurn(octx *OrchestrationContext, req Request, choice *AgentChoice,
	order []string, aggState *ResultAggregationState, agg *AggregationResult) {

	for _, agentID := range order {
		if resp, ok := aggState.Get(agentID); ok && resp.Success && resp.thread != "" {
			octx.AgentThreads[agentID] = resp.thread
		}
	}

	cap := o.cfg.MaxConversationHistory
	octx.AppendTurn(Turn{Role: "user", Content: req.UserText, MessageID: req.MessageID}, cap)
	octx.AppendTurn(Turn{Role: "assistant", Content: agg.Text, AgentID: choice.AgentID}, cap)
	octx.PreviousAgentID = choice.AgentID
	octx.LastMessageID = req.MessageID
	octx.LastReply = agg.Text
	octx.LastNeedsInput = agg.NeedsInput
	octx.LastAgentsUsed = order
}

// persist writes the context under its store key with etag CAS. On
// conflict it reloads, reapplies the turn, and retries once; a second
// failure is logged and the response is returned anyway.
func (o *Orchestrator) persist(ctx context.Context, key string, req Request, octx *OrchestrationContext,
	etag string, choice *AgentChoice, order []string, aggState *ResultAggregationState, agg *AggregationResult) {

	payload, err := octx.Marshal()
	if err != nil {
		slog.Warn("Failed to serialize context", "key", key, "error", err)
		return
	}

	_, err = o.store.Save(ctx, key, payload, etag)
	if err == nil {
		return
	}
	if !errors.Is(err, task.ErrETagMismatch) {
		slog.Warn("Context save failed; the next turn may not see this one", "key", key, "error", err)
		return
	}

	rec, lerr := o.store.Load(ctx, key)
	if lerr != nil {
		slog.Warn("Context reload after etag conflict failed", "key", key, "error", lerr)
		return
	}
	current, uerr := UnmarshalContext(rec.Payload)
	if uerr != nil {
		slog.Warn("Context reload after etag conflict is unreadable", "key", key, "error", uerr)
		return
	}
	current.TaskID = req.TaskID
	current.Resumed = current.Resumed || octx.Resumed
	o.applyTurn(current, req, choice, order, aggState, agg)

	retryPayload, merr := current.Marshal()
	if merr != nil {
		slog.Warn("Failed to serialize context", "key", key, "error", merr)
		return
	}
	if _, serr := o.store.Save(ctx, key, retryPayload, rec.ETag); serr != nil {
		slog.Warn("Context save retry failed; the next turn may not see this one", "key", key, "error", serr)
	}
}

func (o *Orchestrator) recordRouting(sessionID string, choice *AgentChoice) {
	o.logMu.Lock()
	defer o.logMu.Unlock()
	o.routingLog = append(o.routingLog, RoutingLogEntry{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Choice:    choice,
	})
	if len(o.routingLog) > routingLogCapacity {
		o.routingLog = o.routingLog[len(o.routingLog)-routingLogCapacity:]
	}
}

// RoutingLog returns recent routing decisions, oldest first.
func (o *Orchestrator) RoutingLog() []RoutingLogEntry {
	o.logMu.Lock()
	defer o.logMu.Unlock()
	out := make([]RoutingLogEntry, len(o.routingLog))
	copy(out, o.routingLog)
	return out
}

func (o *Orchestrator) publish(event observability.LiveEvent) {
	if o.hub != nil {
		o.hub.Publish(event)
	}
}

// keyedMutex serializes work per string key. Entries are refcounted
// and removed once the last holder unlocks, so transient session keys
// do not accumulate.
type keyedMutex struct {
	mu    *sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{mu: &sync.Mutex{}, locks: make(map[string]*keyedLock)}
}

func (k keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
