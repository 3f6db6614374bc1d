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

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
)

// remoteInvoker dispatches to an agent behind an A2A endpoint. The
// agent card is fetched from the well-known path on first use and
// cached for the invoker's lifetime (one request).
type remoteInvoker struct {
	card    Card
	timeout time.Duration

	mu       sync.Mutex
	resolved *a2a.AgentCard
}

var _ Invoker = (*remoteInvoker)(nil)

func newRemoteInvoker(card Card, timeout time.Duration) *remoteInvoker {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &remoteInvoker{card: card, timeout: timeout}
}

func (r *remoteInvoker) AgentID() string {
	return r.card.ID
}

func (r *remoteInvoker) IsRemote() bool {
	return true
}

func (r *remoteInvoker) Invoke(ctx context.Context, instruction, sessionID, thread string) (*InvokeResult, error) {
	card, err := r.resolveCard(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent card resolution failed: %w", err)
	}

	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("a2a client creation failed: %w", err)
	}
	defer func() { _ = client.Destroy() }()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: instruction})
	msg.ContextID = sessionID

	req := &a2a.MessageSendParams{Message: msg}

	// Consume the event stream and keep the most informative pieces:
	// the final task snapshot, the final status, and any agent message.
	var (
		lastTask    *a2a.Task
		lastStatus  *a2a.TaskStatus
		lastMessage *a2a.Message
	)
	for event, err := range client.SendStreamingMessage(ctx, req) {
		if err != nil {
			return nil, err
		}
		switch ev := event.(type) {
		case *a2a.Message:
			lastMessage = ev
		case *a2a.Task:
			lastTask = ev
			status := ev.Status
			lastStatus = &status
		case *a2a.TaskStatusUpdateEvent:
			status := ev.Status
			lastStatus = &status
		}
	}

	return r.mapResult(lastTask, lastStatus, lastMessage)
}

// mapResult applies the remote-state mapping: Completed and Working are
// success, InputRequired is a clarifying question, any other terminal
// state is a failure. A bare agent message is success.
func (r *remoteInvoker) mapResult(task *a2a.Task, status *a2a.TaskStatus, msg *a2a.Message) (*InvokeResult, error) {
	if status != nil {
		switch status.State {
		case a2a.TaskStateCompleted, a2a.TaskStateWorking:
			return &InvokeResult{Content: r.extractText(task, status, msg)}, nil
		case a2a.TaskStateInputRequired:
			return &InvokeResult{Content: r.extractText(task, status, msg), NeedsInput: true}, nil
		default:
			return nil, fmt.Errorf("remote agent finished in state %q: %s", status.State, r.extractText(task, status, msg))
		}
	}
	if msg != nil {
		return &InvokeResult{Content: messageText(msg)}, nil
	}
	return nil, fmt.Errorf("remote agent returned no response")
}

// extractText prefers the last history message, then the status
// message, then any raw message event.
func (r *remoteInvoker) extractText(task *a2a.Task, status *a2a.TaskStatus, msg *a2a.Message) string {
	if task != nil && len(task.History) > 0 {
		if text := messageText(task.History[len(task.History)-1]); text != "" {
			return text
		}
	}
	if status != nil && status.Message != nil {
		if text := messageText(status.Message); text != "" {
			return text
		}
	}
	if msg != nil {
		return messageText(msg)
	}
	return ""
}

func (r *remoteInvoker) resolveCard(ctx context.Context) (*a2a.AgentCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != nil {
		return r.resolved, nil
	}
	if r.card.URL == "" {
		return nil, fmt.Errorf("card for %q has no url", r.card.ID)
	}
	source := strings.TrimSuffix(r.card.URL, "/") + "/.well-known/agent.json"
	card, err := agentcard.DefaultResolver.Resolve(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent card from %s: %w", source, err)
	}
	r.resolved = card
	return card, nil
}

func messageText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			sb.WriteString(p.Text)
		case *a2a.TextPart:
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
