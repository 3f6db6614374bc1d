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

package llms

import "fmt"

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// NewOllamaClient builds a client for a local Ollama server via its
// OpenAI-compatible endpoint. No API key is required.
func NewOllamaClient(model, baseURL string) (*OpenAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return NewOpenAIClient(model, "ollama", baseURL)
}
