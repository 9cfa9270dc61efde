package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"execgate/internal/api"
	"execgate/internal/config"
	"execgate/internal/engine"
	"execgate/internal/journal"
	"execgate/internal/logging"
	"execgate/internal/monitor"
	"execgate/internal/reaper"
	"execgate/internal/registry"
	"execgate/internal/runtime/docker"
	"execgate/internal/session"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "execgate",
		Short:         "Code-execution gateway fronting a container runtime",
		Long:          "execgate manages isolated session containers and executes Python or R code inside them over MCP stdio.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath, logLevel)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to execgate.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log verbosity (debug, info, warn, error); overrides LOG_LEVEL")
	return root
}

func serve(ctx context.Context, cfgPath, logLevelFlag string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		return err
	}

	levelStr := cfg.LogLevel
	if logLevelFlag != "" {
		levelStr = logLevelFlag
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		slog.Warn("bad log level, using info", "value", levelStr)
	}
	// stdout carries the MCP transport; logs go to stderr.
	logger := logging.New(logging.ModeText, os.Stderr, level)
	slog.SetDefault(logger)

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("open journal", "error", err)
			return err
		}
		defer j.Close()
	}

	rt, err := docker.New(cfg.RuntimeEndpoint)
	if err != nil {
		logger.Error("docker client", "error", err)
		return err
	}
	defer rt.Close()

	if err := rt.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is the daemon running?", "error", err)
		return err
	}
	logger.Info("docker connection OK", "image", cfg.Image, "language", cfg.Language)

	reg := registry.New(cfg.MaxSessions)

	var eng engine.Engine
	if cfg.Language == config.LanguageR {
		eng = engine.NewEvaluator(rt)
	} else {
		eng = engine.NewOneShot(rt,
			[]string{"python3", "-c"},
			[]string{"pkill", "-9", "python3"})
	}

	mgr := session.NewManager(cfg, rt, reg, eng, j, logger)
	mgr.StartupSweep(ctx)

	rpr := reaper.New(mgr, time.Duration(cfg.ReapIntervalSeconds)*time.Second, logger.With("component", "reaper"))
	go rpr.Run(ctx)

	if cfg.MetricsListen != "" {
		go func() {
			if err := monitor.Serve(ctx, cfg.MetricsListen, logger.With("component", "monitor")); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	srv := api.NewServer(mgr, cfg.Language, logger)
	if err := srv.Run(ctx, version); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp server", "error", err)
		return err
	}
	return nil
}
