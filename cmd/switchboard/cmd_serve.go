package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/dashboard"
	"github.com/user/switchboard/internal/discord"
	"github.com/user/switchboard/internal/harness"
	"github.com/user/switchboard/internal/orchestrator"
	"github.com/user/switchboard/internal/prompt"
	"github.com/user/switchboard/internal/scheduler"
	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/skills"
	"github.com/user/switchboard/internal/state"
	"github.com/user/switchboard/internal/telegram"
	"github.com/user/switchboard/internal/tools"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
	"github.com/user/switchboard/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchboard daemon",
	RunE:  runServe,
}

// core is the shared wiring behind serve and chat: store, tools, prompt
// assembly, and the orchestrator.
type core struct {
	cfg       *config.Config
	store     *state.Store
	registry  *tools.Registry
	orch      *orchestrator.Orchestrator
	taskStore *scheduler.TaskStore
}

func buildCore(cfg *config.Config) (*core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := state.Open(filepath.Join(cfg.DataDir, "switchboard.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadURL())
	memoryPath := filepath.Join(cfg.DataDir, "memory.md")
	registry.Register(tools.NewMemorySave(memoryPath))
	registry.Register(tools.NewMemoryForget(memoryPath))

	defaults := settings.Resolve(&cfg.Settings)
	builder, err := prompt.NewBuilder(defaults.Engine.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.SystemPrompt)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create prompt builder: %w", err)
	}
	builder.SetMemoryPath(memoryPath)

	var skillSrc skills.Source
	if cfg.SkillsDir != "" {
		skillSrc = skills.NewDirSource(cfg.SkillsDir)
	}

	engineFor := func(resolved settings.Resolved, history []llm.Message) harness.Harness {
		provider := openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       resolved.Engine.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
		return harness.NewEngine(provider, registry, history, cfg.MaxToolRounds)
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:    store,
		Config:   cfg,
		Registry: registry,
		Prompts:  builder,
		Skills:   skillSrc,
		TraceDir: filepath.Join(cfg.DataDir, "traces"),
		Engine:   engineFor,
	})

	return &core{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		orch:      orch,
		taskStore: scheduler.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json")),
	}, nil
}

func (c *core) close() {
	c.orch.Shutdown()
	if err := c.store.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "switchboard.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	c, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := make(map[string]types.Channel)

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, c.orch, c.store)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		channels["telegram"] = adapter
		go adapter.Start(ctx)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	if cfg.Discord.Token != "" {
		adapter, err := discord.New(cfg.Discord.Token, c.orch)
		if err != nil {
			return fmt.Errorf("create discord adapter: %w", err)
		}
		channels["discord"] = adapter
		go func() {
			if err := adapter.Start(ctx); err != nil {
				slog.Error("discord adapter failed", "error", err)
			}
		}()
	} else {
		slog.Warn("discord adapter disabled (no token)")
	}

	sched := scheduler.New(c.taskStore, c.orch, func(name string) (types.Channel, bool) {
		ch, ok := channels[name]
		return ch, ok
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	dash := dashboard.NewServer(cfgPath, cfg, c.store, c.taskStore, sched, c.orch)
	channels["dashboard"] = dash
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: dash}
	go func() {
		slog.Info("dashboard listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dashboard server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("switchboard started",
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("executable path lookup failed", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("re-exec failed", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("PID file rewrite failed", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
