// Package app provides the shared entry point for the pulse binary.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pulsehq/pulse/internal/agent"
	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/gateway"
	"github.com/pulsehq/pulse/internal/heartbeat"
	"github.com/pulsehq/pulse/internal/history"
	"github.com/pulsehq/pulse/internal/lockfile"
	"github.com/pulsehq/pulse/internal/signals"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level
}

const shutdownTimeout = 15 * time.Second

// Run loads configuration, starts the scheduler, heartbeat, and gateway, and
// blocks until a shutdown signal is received.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: params.LogLevel,
	}))
	logger.Info("pulse starting", "version", params.Version, "config", cfgPath)

	// Lock files are removed on termination signals even when the normal
	// shutdown path never runs.
	mgr := signals.NewManager(logger)
	defer mgr.Close()
	locks := lockfile.NewRegistry(logger, mgr)

	hist, err := history.Open(cfg.Scheduler.HistoryPath)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	var agentRunner cron.AgentRunner
	if cfg.Agent.Command != "" {
		runner, err := agent.New(agent.Config{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			Timeout: cfg.Agent.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		agentRunner = runner
	} else {
		logger.Warn("no agent command configured, isolated jobs will fail")
	}

	hb, err := buildHeartbeat(cfg, logger, newMainCycle(logger, agentRunner))
	if err != nil {
		return err
	}

	svc, err := cron.NewService(cron.Config{
		StorePath:    cfg.Scheduler.StorePath,
		TickInterval: cfg.Scheduler.TickInterval,
		Enabled:      cfg.Scheduler.Enabled,
		LockOpts: lockfile.Options{
			Timeout: cfg.Lock.Timeout,
			Stale:   cfg.Lock.Stale,
		},
		Logger:  logger,
		History: hist,
	}, locks, cron.Collaborators{
		Events: hb,
		Waker:  hb,
		Runner: hb,
		Agent:  agentRunner,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg.Gateway, logger, svc, hb, hb)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := hb.Start(ctx); err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	// Block until a shutdown signal. The signals manager sees the same signal
	// through its own subscription; registration is additive.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway stop failed", "error", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop failed", "error", err)
	}
	if err := hb.Stop(shutdownCtx); err != nil {
		logger.Warn("heartbeat stop failed", "error", err)
	}
	mgr.Shutdown()

	logger.Info("shutdown complete")
	return nil
}

// buildHeartbeat translates heartbeat config (quiet hours, timezone) into a
// running loop.
func buildHeartbeat(cfg *config.Config, logger *slog.Logger, cycle heartbeat.CycleRunner) (*heartbeat.Heartbeat, error) {
	hbCfg := heartbeat.Config{
		Interval: cfg.Heartbeat.Interval,
		Logger:   logger,
	}
	if cfg.Heartbeat.QuietHours != "" {
		quiet, err := heartbeat.ParseQuietHours(cfg.Heartbeat.QuietHours)
		if err != nil {
			return nil, err
		}
		hbCfg.QuietHours = &quiet
	}
	if cfg.Heartbeat.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Heartbeat.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: heartbeat timezone: %w", err)
		}
		hbCfg.Timezone = loc
	}
	return heartbeat.New(hbCfg, cycle)
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/pulse/pulse.yaml → ~/.config/pulse/pulse.yaml → ./pulse.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "pulse", "pulse.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "pulse", "pulse.yaml"))
	}

	candidates = append(candidates, "pulse.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}
