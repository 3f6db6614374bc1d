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
)

// localInvoker dispatches to an in-process agent, minting a session
// thread on first use.
type localInvoker struct {
	agent   LocalAgent
	factory SessionFactory
	id      string
}

var _ Invoker = (*localInvoker)(nil)

func (l *localInvoker) AgentID() string {
	return l.id
}

func (l *localInvoker) IsRemote() bool {
	return false
}

func (l *localInvoker) Invoke(ctx context.Context, instruction, sessionID, thread string) (*InvokeResult, error) {
	if thread == "" && l.factory != nil {
		newThread, err := l.factory.NewThread(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to create agent session: %w", err)
		}
		thread = newThread
	}

	result, err := l.agent.Invoke(ctx, instruction, thread)
	if err != nil {
		return nil, err
	}
	if result.Thread == "" {
		result.Thread = thread
	}
	return result, nil
}
