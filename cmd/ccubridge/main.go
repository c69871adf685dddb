package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oikosnomo/ccu-bridge/internal/config"
	"github.com/oikosnomo/ccu-bridge/internal/engine"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "ccubridge",
		Short:        "Bridge solar charge controller telemetry into a state tree",
		Long:         "ccubridge ingests CCU telemetry from the local network or the vendor cloud, tracks device liveness, forwards commands and runs the battery control loops.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bridge until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and print the effective intervals",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "api_mode:           %s\n", cfg.APIMode)
				fmt.Fprintf(out, "telemetry interval: %s\n", cfg.CCUInterval())
				fmt.Fprintf(out, "settings interval:  %s\n", cfg.InfoInterval())
				fmt.Fprintf(out, "inactivity timeout: %s\n", cfg.InactivityTimeout())
				fmt.Fprintf(out, "eco mode:           %t\n", cfg.Season.Enabled)
				fmt.Fprintf(out, "base load:          %t\n", cfg.BaseLoad.Enabled)
				fmt.Fprintln(out, "configuration ok")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var file io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		file = f
	}
	logger := engine.NewLogger(cfg.LogLevel, os.Stdout, file)
	logger.Info("starting", "version", version, "mode", string(cfg.APIMode))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := eng.Run(ctx)

	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Teardown(teardownCtx); err != nil {
		logger.Error("teardown_failed", "err", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
