package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/medrex/ehr-access/internal/app"
	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "accessctl",
	Short: "Operate the EHR access decision engine",
	Long: `accessctl provisions principals and protected resources, applies the
database schema and reads the audit trail.

Audit reads go through the enforcement point and need an administrator token
(--token or EHR_TOKEN); each read is itself recorded.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
}

// withApp loads configuration, wires the engine and releases it when fn returns
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log := logger.NewWithOutput(cfg.LogLevel, os.Stderr)
	a, err := app.New(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}()

	return fn(ctx, a)
}
