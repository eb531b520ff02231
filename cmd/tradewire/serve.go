package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/agent/providers"
	"github.com/tradewire/tradewire/internal/config"
	"github.com/tradewire/tradewire/internal/cron"
	"github.com/tradewire/tradewire/internal/gateway"
	"github.com/tradewire/tradewire/internal/heartbeat"
	"github.com/tradewire/tradewire/internal/memory"
	"github.com/tradewire/tradewire/internal/sessions"
	"github.com/tradewire/tradewire/internal/tools/memorytools"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting tradewire gateway",
		"version", version, "config", configPath,
		"host", cfg.Host, "port", cfg.Port)

	for _, dir := range []string{cfg.StateDir, cfg.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	scope := scopeConfig(cfg)
	keys := sessions.NewKeyBuilder(cfg.Agent.ID, scope)

	// The store fires lifecycle events before the gateway exists, so it
	// reaches the broker through this indirection.
	var srv *gateway.Server
	store, err := sessions.New(cfg.StateDir, cfg.Agent.ID, scope,
		sessions.WithLogger(logger),
		sessions.WithOnEvent(func(kind, key string) {
			if srv != nil {
				srv.OnSessionEvent(kind, key)
			}
		}))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	providerMap := buildProviders(cfg, logger)
	if _, ok := providerMap[cfg.Agent.Provider]; !ok {
		logger.Warn("default provider has no credentials; chat turns will fail until configured",
			"provider", cfg.Agent.Provider)
	}

	registry := agent.NewRegistry()

	index, err := memory.New(cfg.WorkspaceDir, memory.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build memory index: %w", err)
	}
	defer index.Close()
	if err := memorytools.Register(registry, index); err != nil {
		return fmt.Errorf("register memory tools: %w", err)
	}

	engine := agent.NewEngine(agent.EngineConfig{
		Provider:          cfg.Agent.Provider,
		Model:             defaultModel(cfg),
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxTokens:         cfg.Agent.MaxTokens,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		ContextTokenLimit: cfg.Session.Compaction.ContextTokenLimit,
		KeepRecent:        cfg.Session.Compaction.KeepRecent,
	}, providerMap, registry, store, agent.WithEngineLogger(logger))

	// Channel adapters are out of scope for the gateway binary, so alert
	// delivery lands in the log for an external forwarder to pick up.
	deliver := func(_ context.Context, target, text string) error {
		logger.Info("outbound delivery", "target", target, "text", text)
		return nil
	}

	runner := heartbeat.NewRunner(heartbeat.Config{
		Enabled: cfg.Heartbeat.Enabled,
		Every:   cfg.Heartbeat.Every,
		Window: heartbeat.ActiveWindow{
			Start:    cfg.Heartbeat.ActiveHours.Start,
			End:      cfg.Heartbeat.ActiveHours.End,
			Timezone: cfg.Heartbeat.ActiveHours.Timezone,
		},
		Target:      cfg.Heartbeat.Target,
		AckMaxChars: cfg.Heartbeat.AckMaxChars,
		Prompt:      cfg.Heartbeat.Prompt,
	}, engine, keys.MainKey(), cfg.WorkspaceDir, deliver,
		heartbeat.WithLogger(logger),
		heartbeat.WithOnResult(func(res *heartbeat.Result) {
			if srv != nil {
				srv.OnHeartbeatResult(res)
			}
		}))

	cronStore, err := cron.NewStore(filepath.Join(cfg.StateDir, "cron"), cfg.Cron.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open cron store: %w", err)
	}
	scheduler, err := cron.NewScheduler(cron.Config{
		Enabled:           cfg.Cron.Enabled,
		MaxConcurrentRuns: cfg.Cron.MaxConcurrentRuns,
		TickInterval:      cfg.Cron.TickInterval,
		HistoryLimit:      cfg.Cron.HistoryLimit,
	}, cronStore, engine, keys, deliver,
		cron.WithLogger(logger),
		cron.WithWake(runner.Enqueue),
		cron.WithOnEvent(func(ev *cron.Event) {
			if srv != nil {
				srv.OnCronEvent(ev)
			}
		}))
	if err != nil {
		return fmt.Errorf("build cron scheduler: %w", err)
	}

	srv = gateway.NewServer(gateway.Config{
		Host:  cfg.Host,
		Port:  cfg.Port,
		Token: cfg.Token,
	}, gateway.Deps{
		Engine:    engine,
		Sessions:  store,
		Cron:      scheduler,
		Heartbeat: runner,
		Memory:    index,
		Keys:      keys,
	}, gateway.WithServerLogger(logger))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(); err != nil {
		return err
	}
	if err := index.Start(ctx); err != nil {
		logger.Warn("memory watcher unavailable", "error", err)
	}
	runner.Start()
	scheduler.Start(ctx)

	logger.Info("tradewire gateway started",
		"addr", srv.Addr(), "agent", cfg.Agent.ID,
		"heartbeat", cfg.Heartbeat.Enabled, "cron", cfg.Cron.Enabled)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	scheduler.Stop()
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	if err := store.Flush(); err != nil {
		logger.Error("flush session store", "error", err)
	}

	logger.Info("tradewire gateway stopped")
	return nil
}

// loadConfig falls back to built-in defaults when the default config file
// is absent; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "tradewire.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func scopeConfig(cfg *config.Config) sessions.ScopeConfig {
	scope := sessions.ScopeConfig{
		DMScope:       cfg.Session.DMScope,
		IdentityLinks: cfg.Session.IdentityLinks,
		Reset:         resetConfig(cfg.Session.Reset),
	}
	if len(cfg.Session.ResetByType) > 0 {
		scope.ResetByType = make(map[string]sessions.ResetConfig, len(cfg.Session.ResetByType))
		for typ, rc := range cfg.Session.ResetByType {
			scope.ResetByType[typ] = resetConfig(rc)
		}
	}
	if len(cfg.Session.ResetByChannel) > 0 {
		scope.ResetByChannel = make(map[string]sessions.ResetConfig, len(cfg.Session.ResetByChannel))
		for ch, rc := range cfg.Session.ResetByChannel {
			scope.ResetByChannel[ch] = resetConfig(rc)
		}
	}
	return scope
}

func resetConfig(rc config.ResetConfig) sessions.ResetConfig {
	return sessions.ResetConfig{Mode: rc.Mode, AtHour: rc.AtHour, IdleMinutes: rc.IdleMinutes}
}

func buildProviders(cfg *config.Config, logger *slog.Logger) map[string]agent.Provider {
	out := make(map[string]agent.Provider)
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			logger.Warn("provider has no api key, skipping", "provider", name)
			continue
		}
		switch name {
		case "anthropic":
			out[name] = providers.NewAnthropic(pc.APIKey, pc.BaseURL, logger)
		case "openai":
			out[name] = providers.NewOpenAI(pc.APIKey, pc.BaseURL, logger)
		default:
			logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}
	return out
}

func defaultModel(cfg *config.Config) string {
	if cfg.Agent.Model != "" {
		return cfg.Agent.Model
	}
	if pc, ok := cfg.Providers[cfg.Agent.Provider]; ok {
		return pc.DefaultModel
	}
	return ""
}
