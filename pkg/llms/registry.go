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

import (
	"fmt"

	"github.com/lucia-home/lucia/pkg/config"
)

// NewFromConfig constructs the provider named in the config.
func NewFromConfig(cfg config.LLMConfig) (LLM, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg.Model, cfg.APIKey, cfg.BaseURL)
	case "anthropic":
		return NewAnthropicClient(cfg.Model, cfg.APIKey, cfg.BaseURL)
	case "ollama":
		return NewOllamaClient(cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (supported: openai, anthropic, ollama)", cfg.Provider)
	}
}
