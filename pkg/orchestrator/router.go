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
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkoukk/tiktoken-go"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/llms"
	"github.com/lucia-home/lucia/pkg/observability"
)

const routerSystemPrompt = `You route smart-home requests to specialized agents.
Given the user's message, the conversation so far, and the agent catalog,
select the single best primary agent and any additional agents needed to
fully satisfy the request. For every selected agent write a focused,
standalone instruction extracted from the user's message. Respond with
strict JSON only, no prose, matching the provided schema.`

// Router asks the chat model to produce an AgentChoice for a request.
// It is stateless across requests.
type Router struct {
	llm     llms.LLM
	cfg     config.OrchestrationConfig
	metrics *observability.Metrics

	schemaOnce sync.Once
	schemaJSON string
	schemaObj  any

	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
}

// NewRouter builds a router over the given chat model.
func NewRouter(llm llms.LLM, cfg config.OrchestrationConfig, metrics *observability.Metrics) *Router {
	return &Router{llm: llm, cfg: cfg, metrics: metrics}
}

// Route produces a validated AgentChoice. It retries parse and schema
// failures with a corrective re-prompt up to the configured attempt
// budget, then fails with ROUTER_FAILURE. Unknown agent ids are dropped
// against the snapshot; an empty selection falls back to the configured
// default agent with zero confidence.
func (r *Router) Route(ctx context.Context, userText string, snap *agent.Snapshot, history []Turn) (*AgentChoice, error) {
	messages := r.buildPrompt(userText, snap, history)

	var lastErr error
	attempts := r.cfg.RouterMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.metrics.RecordRouterRetry(ctx)
			messages = append(messages,
				llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf(
					"Your previous response was invalid: %v. Respond again with strict JSON matching the schema, and nothing else.", lastErr)},
			)
		}

		completion, err := r.llm.Generate(ctx, messages, &llms.GenerateOptions{
			Temperature:      0,
			MaxTokens:        1024,
			StructuredOutput: &llms.StructuredOutputConfig{Name: "agent_choice", Schema: r.schema()},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Warn("Router model call failed", "attempt", attempt, "error", err)
			continue
		}
		r.metrics.RecordLLMTokens(ctx, completion.InputTokens, completion.OutputTokens)

		choice, err := parseChoice(completion.Text)
		if err != nil {
			lastErr = err
			slog.Warn("Router produced invalid choice", "attempt", attempt, "error", err)
			continue
		}

		return r.validate(choice, snap, userText), nil
	}

	return nil, routerFailure(lastErr)
}

// validate drops unresolvable ids, promotes a valid additional when the
// primary is unknown, and applies the confidence threshold policy.
func (r *Router) validate(choice *AgentChoice, snap *agent.Snapshot, userText string) *AgentChoice {
	var additional []string
	for _, id := range choice.AdditionalAgents {
		if snap.Has(id) {
			additional = append(additional, id)
		} else {
			slog.Warn("Dropping unknown agent from routing choice", "agent", id)
		}
	}
	choice.AdditionalAgents = additional

	if !snap.Has(choice.AgentID) {
		slog.Warn("Primary routing choice is unknown", "agent", choice.AgentID)
		if len(additional) > 0 {
			choice.AgentID = additional[0]
			choice.AdditionalAgents = additional[1:]
		} else {
			return r.fallback(fmt.Sprintf("router selected unknown agent %q", choice.AgentID), userText)
		}
	}

	if choice.Confidence < r.cfg.RoutingConfidenceThreshold {
		switch r.cfg.LowConfidenceAction {
		case "fallback":
			return r.fallback(fmt.Sprintf(
				"confidence %.2f below threshold %.2f", choice.Confidence, r.cfg.RoutingConfidenceThreshold), userText)
		default:
			choice.NeedsClarification = true
		}
	}
	return choice
}

// Fallback returns the configured default choice for a reason string.
// Exposed so the orchestrator can route unknown ids discovered later.
func (r *Router) fallback(reason, userText string) *AgentChoice {
	return &AgentChoice{
		AgentID:      r.cfg.FallbackAgent,
		Instructions: map[string]string{r.cfg.FallbackAgent: userText},
		Confidence:   0,
		Reasoning:    "fallback: " + reason,
	}
}

func (r *Router) buildPrompt(userText string, snap *agent.Snapshot, history []Turn) []llms.Message {
	var sb strings.Builder
	sb.WriteString("Available agents:\n")
	for _, card := range snap.List() {
		fmt.Fprintf(&sb, "- id: %s | name: %s | %s\n", card.ID, card.Name, card.Description)
	}
	sb.WriteString("\nResponse JSON schema:\n")
	sb.WriteString(r.schemaText())

	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: routerSystemPrompt + "\n\n" + sb.String()},
	}

	if block := r.renderHistory(history); block != "" {
		messages = append(messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: "Conversation so far:\n" + block,
		})
	}

	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: userText})
	return messages
}

// renderHistory emits the most recent turns within the token budget.
// Older turns beyond the budget collapse into a single summary line.
func (r *Router) renderHistory(history []Turn) string {
	if len(history) == 0 {
		return ""
	}

	budget := r.cfg.HistoryTokenBudget
	var kept []string
	used := 0
	cut := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s", history[i].Role, history[i].Content)
		cost := r.countTokens(line)
		if budget > 0 && used+cost > budget && len(kept) > 0 {
			cut = i + 1
			break
		}
		used += cost
		kept = append([]string{line}, kept...)
	}

	var sb strings.Builder
	if cut > 0 {
		fmt.Fprintf(&sb, "(%d earlier turns omitted; most recent topic: %s)\n", cut, summarize(history[cut-1].Content))
	}
	sb.WriteString(strings.Join(kept, "\n"))
	return sb.String()
}

func summarize(content string) string {
	const max = 80
	content = strings.ReplaceAll(content, "\n", " ")
	if len(content) > max {
		return content[:max] + "..."
	}
	return content
}

func (r *Router) countTokens(text string) int {
	r.encodingOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(r.llm.Model())
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				slog.Warn("Token encoding unavailable, approximating", "error", err)
				return
			}
		}
		r.encoding = enc
	})
	if r.encoding == nil {
		// Rough byte heuristic when no encoding could be loaded.
		return len(text) / 4
	}
	return len(r.encoding.Encode(text, nil, nil))
}

func (r *Router) schema() any {
	r.schemaOnce.Do(r.reflectSchema)
	return r.schemaObj
}

func (r *Router) schemaText() string {
	r.schemaOnce.Do(r.reflectSchema)
	return r.schemaJSON
}

func (r *Router) reflectSchema() {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&AgentChoice{})
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Error("Failed to marshal routing schema", "error", err)
		return
	}
	r.schemaJSON = string(data)
	// Re-decode to a plain map so providers can embed it directly.
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		r.schemaObj = obj
	}
}

// parseChoice decodes the model output, tolerating markdown fences.
func parseChoice(text string) (*AgentChoice, error) {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, "{"); idx >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > idx {
			trimmed = trimmed[idx : end+1]
		}
	}

	var choice AgentChoice
	if err := json.Unmarshal([]byte(trimmed), &choice); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if choice.AgentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	if choice.Confidence < 0 || choice.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range [0,1]", choice.Confidence)
	}
	if choice.Instructions == nil {
		choice.Instructions = make(map[string]string)
	}
	return &choice, nil
}
