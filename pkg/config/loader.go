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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LUCIA_"

// Overrides is a flat key/value map applied on top of file values, keyed
// by the dotted config key ("orchestration.router_model"). The Mongo
// config collection produces one of these.
type Overrides map[string]string

// Loader loads a config file and optionally watches it for changes.
type Loader struct {
	path      string
	overrides Overrides
	watcher   *fsnotify.Watcher
	onReload  func(*Config)
}

// LoadDotEnv loads a .env file from the working directory when present.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

// LoadDotEnvForConfig loads a .env file next to the given config path.
func LoadDotEnvForConfig(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err != nil {
		return nil
	}
	return godotenv.Load(envPath)
}

// Load builds a Config from the file at path (optional), the provided
// overrides (optional), and LUCIA_-prefixed environment variables, then
// applies defaults and validates.
func Load(path string, overrides Overrides) (*Config, *Loader, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.Expand(string(data), func(key string) string {
			return os.Getenv(key)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyOverrides(cfg, overrides)
	applyEnv(cfg)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	loader := &Loader{path: path, overrides: overrides}
	return cfg, loader, nil
}

// applyOverrides sets individual config fields from a flat key map.
// Unknown keys are logged and skipped.
func applyOverrides(cfg *Config, overrides Overrides) {
	for key, value := range overrides {
		if err := setKey(cfg, key, value); err != nil {
			slog.Warn("Ignoring config override", "key", key, "error", err)
		}
	}
}

// applyEnv maps LUCIA_SECTION_FIELD variables onto dotted keys, e.g.
// LUCIA_ORCHESTRATION_MAX_PARALLEL_AGENTS -> orchestration.max_parallel_agents.
func applyEnv(cfg *Config) {
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(entry, envPrefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(parts[0])
		// First underscore separates section from field.
		idx := strings.Index(key, "_")
		if idx < 0 {
			continue
		}
		dotted := key[:idx] + "." + key[idx+1:]
		if err := setKey(cfg, dotted, parts[1]); err != nil {
			slog.Debug("Ignoring environment variable", "key", entry, "error", err)
		}
	}
}

func setKey(cfg *Config, key, value string) error {
	switch key {
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		return setInt(&cfg.Server.Port, value)
	case "orchestration.router_model":
		cfg.Orchestration.RouterModel = value
	case "orchestration.max_parallel_agents":
		return setInt(&cfg.Orchestration.MaxParallelAgents, value)
	case "orchestration.routing_confidence_threshold":
		return setFloat(&cfg.Orchestration.RoutingConfidenceThreshold, value)
	case "orchestration.max_conversation_history":
		return setInt(&cfg.Orchestration.MaxConversationHistory, value)
	case "orchestration.enable_multi_agent_coordination":
		return setBool(&cfg.Orchestration.EnableMultiAgentCoordination, value)
	case "orchestration.router_max_attempts":
		return setInt(&cfg.Orchestration.RouterMaxAttempts, value)
	case "orchestration.fallback_agent":
		cfg.Orchestration.FallbackAgent = value
	case "orchestration.low_confidence_action":
		cfg.Orchestration.LowConfidenceAction = value
	case "orchestration.history_token_budget":
		return setInt(&cfg.Orchestration.HistoryTokenBudget, value)
	case "task_store.ttl":
		return setDuration(&cfg.TaskStore.TTL, value)
	case "agent_invoker.timeout":
		return setDuration(&cfg.AgentInvoker.Timeout, value)
	case "redis.connection_string":
		cfg.Redis.ConnectionString = value
	case "mongo.uri":
		cfg.Mongo.URI = value
	case "mongo.config_db":
		cfg.Mongo.ConfigDB = value
	case "mongo.traces_db":
		cfg.Mongo.TracesDB = value
	case "mongo.tasks_db":
		cfg.Mongo.TasksDB = value
	case "llm.provider":
		cfg.LLM.Provider = value
	case "llm.model":
		cfg.LLM.Model = value
	case "llm.api_key":
		cfg.LLM.APIKey = value
	case "llm.base_url":
		cfg.LLM.BaseURL = value
	case "llm.temperature":
		return setFloat(&cfg.LLM.Temperature, value)
	case "llm.max_tokens":
		return setInt(&cfg.LLM.MaxTokens, value)
	case "auth.enabled":
		return setBool(&cfg.Auth.Enabled, value)
	case "auth.jwks_url":
		cfg.Auth.JWKSURL = value
	case "auth.issuer":
		cfg.Auth.Issuer = value
	case "auth.audience":
		cfg.Auth.Audience = value
	case "observability.tracing.enabled":
		return setBool(&cfg.Observability.Tracing.Enabled, value)
	case "observability.tracing.endpoint":
		cfg.Observability.Tracing.Endpoint = value
	case "observability.metrics.enabled":
		return setBool(&cfg.Observability.Metrics.Enabled, value)
	case "logger.level":
		cfg.Logger.Level = value
	case "logger.format":
		cfg.Logger.Format = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// OnReload registers a callback invoked with the freshly loaded config
// whenever the watched file changes.
func (l *Loader) OnReload(fn func(*Config)) {
	l.onReload = fn
}

// Watch blocks watching the config file for changes until ctx is
// canceled. Reload events are debounced; editors often emit several
// writes per save.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				cfg, _, err := Load(l.path, l.overrides)
				if err != nil {
					slog.Error("Config reload failed", "path", l.path, "error", err)
					return
				}
				slog.Info("Configuration reloaded", "path", l.path)
				if l.onReload != nil {
					l.onReload(cfg)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watch error", "error", err)
		}
	}
}

// Close releases watcher resources.
func (l *Loader) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}
