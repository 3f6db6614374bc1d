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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/auth"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/llms"
	"github.com/lucia-home/lucia/pkg/logger"
	"github.com/lucia-home/lucia/pkg/mongostore"
	"github.com/lucia-home/lucia/pkg/observability"
	"github.com/lucia-home/lucia/pkg/orchestrator"
	"github.com/lucia-home/lucia/pkg/server"
	"github.com/lucia-home/lucia/pkg/task"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information"`
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the orchestration server"`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file"`

	Config    string `short:"c" default:"lucia.yaml" help:"Path to configuration file"`
	LogLevel  string `default:"info" help:"Log level (debug, info, warn, error)"`
	LogFile   string `help:"Write logs to file instead of stderr"`
	LogFormat string `default:"simple" help:"Log format (simple, verbose)"`
	Watch     bool   `short:"w" help:"Reload configuration on file changes"`
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("lucia %s\n", version)
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Printf("  go: %s\n", info.GoVersion)
	}
	return nil
}

// ValidateCmd loads and validates the configuration, then exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := config.Load(cli.Config, nil)
	if err != nil {
		return err
	}
	if loader != nil {
		loader.Close()
	}
	fmt.Printf("Configuration valid: %s (listen %s)\n", cli.Config, cfg.Server.Address())
	return nil
}

// ServeCmd starts the orchestration server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	_ = config.LoadDotEnvForConfig(cli.Config)

	// Config overrides live in Mongo so the companion app can adjust
	// settings without touching the file. Mongo being down only costs
	// the overrides and trace persistence, never the server.
	var overrides config.Overrides
	var mongoClient *mongostore.Client
	bootCtx, bootCancel := context.WithTimeout(ctx, 10*time.Second)
	mongoURI := os.Getenv("LUCIA_MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	if client, err := mongostore.Connect(bootCtx, mongoURI, "lucia_config", "lucia_traces"); err != nil {
		slog.Warn("MongoDB unavailable, continuing without overrides", "error", err)
	} else {
		mongoClient = client
		if overrides, err = client.LoadOverrides(bootCtx); err != nil {
			slog.Warn("Failed to load config overrides", "error", err)
		}
	}
	bootCancel()

	// The default config file is optional; defaults plus env and Mongo
	// overrides are enough to boot.
	configPath := cli.Config
	if _, serr := os.Stat(configPath); serr != nil && configPath == "lucia.yaml" {
		configPath = ""
	}

	cfg, loader, err := config.Load(configPath, overrides)
	if err != nil {
		if mongoClient != nil {
			_ = mongoClient.Close(context.Background())
		}
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if loader != nil {
		defer loader.Close()
	}
	if mongoClient != nil {
		defer mongoClient.Close(context.Background())
	}

	hub := observability.NewHub()
	defer hub.Close()

	metrics, err := observability.InitMetrics(ctx, cfg.Observability.Metrics.Enabled)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	tp, err := observability.InitTracer(ctx, cfg.Observability.Tracing.Enabled, cfg.Observability.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = observability.ShutdownTracer(shutdownCtx, tp)
	}()

	if mongoClient != nil {
		writer := mongostore.StartTraceWriter(mongoClient, hub)
		defer writer.Close()
	}

	var store task.Store
	redisStore, err := task.NewRedisStoreFromURL(cfg.Redis.ConnectionString, task.WithTTL(cfg.TaskStore.TTL))
	if err == nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisStore.Ping(pingCtx)
		pingCancel()
	}
	if err != nil {
		slog.Warn("Redis unavailable, task state will not survive restarts", "error", err)
		store = task.NewInMemoryStore(cfg.TaskStore.TTL)
	} else {
		defer redisStore.Close()
		store = redisStore
	}

	llm, err := llms.NewFromConfig(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM provider: %w", err)
	}

	registry := agent.NewRegistry(
		agent.WithRemoteTimeout(cfg.AgentInvoker.Timeout),
		agent.WithResolutionObserver(func(agentID, source string) {
			hub.Publish(observability.LiveEvent{
				Type:      observability.EventAgentResolution,
				AgentName: agentID,
				State:     "resolved via " + source,
				IsRemote:  source != "local",
			})
		}),
	)

	router := orchestrator.NewRouter(llm, cfg.Orchestration, metrics)
	orch := orchestrator.New(registry, router, store, hub, metrics, cfg.Orchestration, cfg.AgentInvoker.Timeout)

	var opts []server.Option
	if cfg.Auth.Enabled {
		validator, err := auth.NewJWTValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT validation: %w", err)
		}
		opts = append(opts, server.WithAuthValidator(validator))
	}

	srv := server.New(cfg, registry, orch, hub, version, opts...)

	if cli.Watch && loader != nil && configPath != "" {
		loader.OnReload(func(updated *config.Config) {
			slog.Info("Configuration reloaded", "path", cli.Config)
		})
		go func() {
			if err := loader.Watch(ctx); err != nil {
				slog.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("Lucia orchestrator starting",
		"version", version,
		"address", cfg.Server.Address(),
		"router_model", cfg.Orchestration.RouterModel,
		"auth", cfg.Auth.Enabled,
	)

	return srv.Start(ctx)
}

func main() {
	_ = config.LoadDotEnv()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("lucia"),
		kong.Description("Lucia multi-agent orchestration server"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		ctx.FatalIfErrorf(err)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			ctx.FatalIfErrorf(err)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
