package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"relaybot/internal/app"
	"relaybot/internal/config"
	"relaybot/internal/httpapi"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: chat message delivery engine for a personal assistant",
		Long: "relaybot receives messages over a device-linked session or a cloud messaging API,\n" +
			"answers them through an AI backend and keeps the conversation feeling live.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(alertCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger replaces the bootstrap logger with one honouring the configured
// level and optional log file. The returned func releases the file.
func setupLogger(g config.GeneralConfig) (func(), error) {
	level := slog.LevelInfo
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if g.LogFile != "" {
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		cleanup = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cleanup, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.Snapshots.Dir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			fmt.Println("Next: set general.userAddress and enable a transport, then run `relaybot doctor`.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. transports.preferred)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. transports.preferred cloud)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the delivery engine",
		Long:  "Starts the enabled transports, the poller, the conversation orchestrator and the local API. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cleanup, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer cleanup()

	if !cfg.Transports.DeviceLinked.Enabled && !cfg.Transports.Cloud.Enabled {
		return fmt.Errorf("no transport enabled: set transports.deviceLinked.enabled or transports.cloud.enabled")
	}
	if cfg.General.UserAddress == "" {
		logger.Warn("general.userAddress is empty, alerts cannot be delivered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(app.Options{Config: cfg, Version: version, Logger: logger})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return err
	}

	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		api := httpapi.New(httpapi.Config{
			Addr:          cfg.API.Addr(),
			APIKey:        cfg.API.APIKey,
			InboundSecret: cfg.API.InboundSecret,
			MetricsPath:   metricsPath,
			Engine:        svc,
			Logger:        logger,
		})
		go func() {
			defer close(apiDone)
			if err := api.Start(ctx); err != nil {
				logger.Error("api server error", "err", err)
			}
		}()
	} else {
		close(apiDone)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "config", cfgPath)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-apiDone
		if err := svc.Stop(); err != nil {
			logger.Warn("stop", "err", err)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}

func alertCmd() *cobra.Command {
	var req httpapi.AlertRequest
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Fire a proactive alert through a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Hook) == "" {
				return fmt.Errorf("--type and --hook are required")
			}
			client := httpapi.NewClient(cfg.API.Addr(), cfg.API.APIKey)
			res, err := client.FireAlert(cmd.Context(), req)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Printf("alert %q suppressed by cooldown until %s\n", res.Type, res.NextAllowed.Local().Format(time.Kitchen))
				return nil
			}
			fmt.Printf("alert %q sent (%d message(s), id %s)\n", res.Type, res.Messages, res.ID)
			if res.ResearchFailed {
				fmt.Println("research step failed; the user got a short fallback message")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "", "alert type, used for the cooldown")
	cmd.Flags().StringVar(&req.Hook, "hook", "", "short first message")
	cmd.Flags().StringVar(&req.Research, "research", "", "prompt answered by the AI backend and sent as a follow-up")
	cmd.Flags().BoolVar(&req.Urgent, "urgent", false, "skip the pauses between messages")
	cmd.Flags().StringVar(&req.To, "to", "", "recipient (default: general.userAddress)")
	return cmd
}
