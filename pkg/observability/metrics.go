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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records orchestration counters and histograms. A zero value
// is a safe no-op.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requests        metric.Int64Counter
	requestErrors   metric.Int64Counter
	agentDuration   metric.Float64Histogram
	agentCalls      metric.Int64Counter
	agentErrors     metric.Int64Counter
	routerRetries   metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
}

// InitMetrics wires the otel meter provider to the Prometheus exporter
// registered on the default registry; /metrics serves the result.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := meterProvider.Meter("lucia")

	m := &Metrics{}
	if m.requestDuration, err = meter.Float64Histogram(
		"lucia_request_duration_seconds",
		metric.WithDescription("ProcessRequest duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter(
		"lucia_requests_total",
		metric.WithDescription("Total orchestration requests"),
	); err != nil {
		return nil, err
	}
	if m.requestErrors, err = meter.Int64Counter(
		"lucia_request_errors_total",
		metric.WithDescription("Total failed orchestration requests"),
	); err != nil {
		return nil, err
	}
	if m.agentDuration, err = meter.Float64Histogram(
		"lucia_agent_call_duration_seconds",
		metric.WithDescription("Agent invocation duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.agentCalls, err = meter.Int64Counter(
		"lucia_agent_calls_total",
		metric.WithDescription("Total agent invocations"),
	); err != nil {
		return nil, err
	}
	if m.agentErrors, err = meter.Int64Counter(
		"lucia_agent_errors_total",
		metric.WithDescription("Total failed agent invocations"),
	); err != nil {
		return nil, err
	}
	if m.routerRetries, err = meter.Int64Counter(
		"lucia_router_retries_total",
		metric.WithDescription("Total router re-prompt attempts"),
	); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"lucia_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the router model"),
	); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"lucia_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the router model"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, seconds float64, failed bool) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1)
	m.requestDuration.Record(ctx, seconds)
	if failed {
		m.requestErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordAgentCall(ctx context.Context, seconds float64, failed bool) {
	if m == nil || m.agentCalls == nil {
		return
	}
	m.agentCalls.Add(ctx, 1)
	m.agentDuration.Record(ctx, seconds)
	if failed {
		m.agentErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRouterRetry(ctx context.Context) {
	if m == nil || m.routerRetries == nil {
		return
	}
	m.routerRetries.Add(ctx, 1)
}

func (m *Metrics) RecordLLMTokens(ctx context.Context, input, output int) {
	if m == nil || m.llmInputTokens == nil {
		return
	}
	m.llmInputTokens.Add(ctx, int64(input))
	m.llmOutputTokens.Add(ctx, int64(output))
}
