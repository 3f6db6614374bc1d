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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.Orchestration.RouterModel)
	assert.Equal(t, 3, cfg.Orchestration.MaxParallelAgents)
	assert.Equal(t, 0.7, cfg.Orchestration.RoutingConfidenceThreshold)
	assert.Equal(t, 10, cfg.Orchestration.MaxConversationHistory)
	assert.Equal(t, 3, cfg.Orchestration.RouterMaxAttempts)
	assert.Equal(t, "general-assistant", cfg.Orchestration.FallbackAgent)
	assert.Equal(t, "clarify", cfg.Orchestration.LowConfidenceAction)
	assert.Equal(t, 2048, cfg.Orchestration.HistoryTokenBudget)
	assert.Equal(t, 24*time.Hour, cfg.TaskStore.TTL)
	assert.Equal(t, 30*time.Second, cfg.AgentInvoker.Timeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.ConnectionString)
	assert.Equal(t, "lucia_config", cfg.Mongo.ConfigDB)
	assert.Equal(t, "lucia_traces", cfg.Mongo.TracesDB)
	assert.Equal(t, "lucia_tasks", cfg.Mongo.TasksDB)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		return cfg
	}

	t.Run("defaults pass", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("port out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("parallel agents below one", func(t *testing.T) {
		cfg := valid()
		cfg.Orchestration.MaxParallelAgents = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("confidence threshold out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Orchestration.RoutingConfidenceThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad low confidence action", func(t *testing.T) {
		cfg := valid()
		cfg.Orchestration.LowConfidenceAction = "panic"
		assert.Error(t, cfg.Validate())
	})

	t.Run("auth requires jwks url", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.Enabled = true
		assert.Error(t, cfg.Validate())

		cfg.Auth.JWKSURL = "https://auth.local/jwks.json"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucia.yaml")
	yaml := `
server:
  host: 127.0.0.1
  port: 9090
orchestration:
  router_model: gpt-4o
  max_parallel_agents: 5
llm:
  provider: openai
  api_key: ${TEST_LLM_KEY}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TEST_LLM_KEY", "sk-test")

	cfg, loader, err := Load(path, nil)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
	assert.Equal(t, "gpt-4o", cfg.Orchestration.RouterModel)
	assert.Equal(t, 5, cfg.Orchestration.MaxParallelAgents)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey, "env placeholders expand")

	// Unset fields still get defaults.
	assert.Equal(t, 24*time.Hour, cfg.TaskStore.TTL)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, loader, err := Load("", nil)
	require.NoError(t, err)
	defer loader.Close()
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_Overrides(t *testing.T) {
	overrides := Overrides{
		"orchestration.router_model":      "claude-haiku",
		"orchestration.low_confidence_action": "fallback",
		"task_store.ttl":                  "1h",
		"bogus.key":                       "ignored",
	}

	cfg, loader, err := Load("", overrides)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "claude-haiku", cfg.Orchestration.RouterModel)
	assert.Equal(t, "fallback", cfg.Orchestration.LowConfidenceAction)
	assert.Equal(t, time.Hour, cfg.TaskStore.TTL)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("LUCIA_SERVER_PORT", "9191")
	t.Setenv("LUCIA_ORCHESTRATION_ROUTER_MODEL", "gpt-4o")

	cfg, loader, err := Load("", nil)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.Orchestration.RouterModel)
}

func TestSetKey_Unknown(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, setKey(cfg, "no.such.key", "x"))
}
