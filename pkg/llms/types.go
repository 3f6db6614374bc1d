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

// Package llms abstracts the chat-model providers used by the router.
package llms

import "context"

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// StructuredOutputConfig asks the provider for schema-constrained JSON.
// Providers without native support fall back to prompt-level instruction;
// callers must still validate the parsed result.
type StructuredOutputConfig struct {
	Name   string `json:"name,omitempty"`
	Schema any    `json:"schema,omitempty"`
}

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	Temperature      float64
	MaxTokens        int
	StructuredOutput *StructuredOutputConfig
}

// Completion is the normalized provider response.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// LLM is the chat-model capability the orchestration core depends on.
type LLM interface {
	Generate(ctx context.Context, messages []Message, opts *GenerateOptions) (*Completion, error)
	Model() string
	Close() error
}
