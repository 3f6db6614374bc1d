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
	"errors"
	"fmt"
)

// Error codes surfaced to the JSON-RPC layer.
const (
	CodeRouterFailure = "ROUTER_FAILURE"
	CodeAgentTimeout  = "AGENT_TIMEOUT"
	CodeWorkflowError = "WORKFLOW_ERROR"
)

// OrchestrationError is a typed pipeline failure. Message is safe to
// show to the user.
type OrchestrationError struct {
	Code    string
	Message string
	Err     error
}

func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches by code so sentinels compare with errors.Is.
func (e *OrchestrationError) Is(target error) bool {
	var other *OrchestrationError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

var (
	ErrRouterFailure = &OrchestrationError{Code: CodeRouterFailure, Message: "the router could not select an agent"}
	ErrAgentTimeout  = &OrchestrationError{Code: CodeAgentTimeout, Message: "no agent responded in time"}
	ErrWorkflowError = &OrchestrationError{Code: CodeWorkflowError, Message: "the request could not be completed"}
)

func routerFailure(err error) *OrchestrationError {
	return &OrchestrationError{
		Code:    CodeRouterFailure,
		Message: "I'm sorry, I couldn't figure out how to handle that request.",
		Err:     err,
	}
}

func workflowError(err error) *OrchestrationError {
	return &OrchestrationError{
		Code:    CodeWorkflowError,
		Message: "I'm sorry, something went wrong while handling your request.",
		Err:     err,
	}
}

func agentTimeout(err error) *OrchestrationError {
	return &OrchestrationError{
		Code:    CodeAgentTimeout,
		Message: "I'm sorry, the agents took too long to respond.",
		Err:     err,
	}
}
