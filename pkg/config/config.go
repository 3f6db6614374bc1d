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

// Package config defines the Lucia configuration model and its loaders.
//
// Precedence, highest first: command-line flags, environment variables
// (LUCIA_ prefix), Mongo-backed overrides, YAML file, bundled defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	TaskStore     TaskStoreConfig     `yaml:"task_store"`
	AgentInvoker  AgentInvokerConfig  `yaml:"agent_invoker"`
	Redis         RedisConfig         `yaml:"redis"`
	Mongo         MongoConfig         `yaml:"mongo"`
	LLM           LLMConfig           `yaml:"llm"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logger        LoggerConfig        `yaml:"logger"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OrchestrationConfig tunes the routing and fan-out pipeline.
type OrchestrationConfig struct {
	RouterModel                  string  `yaml:"router_model"`
	MaxParallelAgents            int     `yaml:"max_parallel_agents"`
	RoutingConfidenceThreshold   float64 `yaml:"routing_confidence_threshold"`
	MaxConversationHistory       int     `yaml:"max_conversation_history"`
	EnableMultiAgentCoordination bool    `yaml:"enable_multi_agent_coordination"`
	RouterMaxAttempts            int     `yaml:"router_max_attempts"`
	FallbackAgent                string  `yaml:"fallback_agent"`
	// LowConfidenceAction is "clarify" (ask the user) or "fallback".
	LowConfidenceAction string `yaml:"low_confidence_action"`
	HistoryTokenBudget  int    `yaml:"history_token_budget"`
}

// TaskStoreConfig controls persisted task state.
type TaskStoreConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AgentInvokerConfig controls per-agent invocation behavior.
type AgentInvokerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig holds the task store connection settings.
type RedisConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// MongoConfig names the databases the core reads from.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	ConfigDB string `yaml:"config_db"`
	TracesDB string `yaml:"traces_db"`
	TasksDB  string `yaml:"tasks_db"`
}

// LLMConfig describes the chat model used by the router.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AuthConfig gates the internal diagnostics endpoints.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// ObservabilityConfig enables tracing and metrics exporters.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults fills zero values with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Orchestration.RouterModel == "" {
		c.Orchestration.RouterModel = "gpt-4o-mini"
	}
	if c.Orchestration.MaxParallelAgents == 0 {
		c.Orchestration.MaxParallelAgents = 3
	}
	if c.Orchestration.RoutingConfidenceThreshold == 0 {
		c.Orchestration.RoutingConfidenceThreshold = 0.7
	}
	if c.Orchestration.MaxConversationHistory == 0 {
		c.Orchestration.MaxConversationHistory = 10
	}
	if c.Orchestration.RouterMaxAttempts == 0 {
		c.Orchestration.RouterMaxAttempts = 3
	}
	if c.Orchestration.FallbackAgent == "" {
		c.Orchestration.FallbackAgent = "general-assistant"
	}
	if c.Orchestration.LowConfidenceAction == "" {
		c.Orchestration.LowConfidenceAction = "clarify"
	}
	if c.Orchestration.HistoryTokenBudget == 0 {
		c.Orchestration.HistoryTokenBudget = 2048
	}
	if c.TaskStore.TTL == 0 {
		c.TaskStore.TTL = 24 * time.Hour
	}
	if c.AgentInvoker.Timeout == 0 {
		c.AgentInvoker.Timeout = 30 * time.Second
	}
	if c.Redis.ConnectionString == "" {
		c.Redis.ConnectionString = "redis://localhost:6379/0"
	}
	if c.Mongo.ConfigDB == "" {
		c.Mongo.ConfigDB = "lucia_config"
	}
	if c.Mongo.TracesDB == "" {
		c.Mongo.TracesDB = "lucia_traces"
	}
	if c.Mongo.TasksDB == "" {
		c.Mongo.TasksDB = "lucia_tasks"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = c.Orchestration.RouterModel
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.Observability.Tracing.Endpoint == "" {
		c.Observability.Tracing.Endpoint = "localhost:4317"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Orchestration.MaxParallelAgents < 1 {
		return fmt.Errorf("orchestration.max_parallel_agents must be >= 1")
	}
	if t := c.Orchestration.RoutingConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("orchestration.routing_confidence_threshold must be in [0,1], got %v", t)
	}
	if a := c.Orchestration.LowConfidenceAction; a != "clarify" && a != "fallback" {
		return fmt.Errorf("orchestration.low_confidence_action must be clarify or fallback, got %q", a)
	}
	if c.TaskStore.TTL <= 0 {
		return fmt.Errorf("task_store.ttl must be positive")
	}
	if c.AgentInvoker.Timeout <= 0 {
		return fmt.Errorf("agent_invoker.timeout must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required when auth is enabled")
	}
	return nil
}

// Address returns the HTTP listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
