// Package main provides the orbis command line client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobrunner/orbis/internal/app"
	"github.com/jobrunner/orbis/internal/config"
	"github.com/jobrunner/orbis/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfgFile string
	v       = config.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orbis",
	Short: "Orbis - geospatial platform client",
	Long: `Orbis submits queries to the geospatial platform and turns their
result archives into raster grids and vector tables. It also uploads data
files for ingestion and follows their processing status.

Features:
  - Query lifecycle with archive cache and resume by query id
  - Project queue that respects the platform's concurrency limit
  - Parallel upload pool with status polling
  - Staging storage backends (local, AWS S3, Azure, GCS, HTTP)
  - Inbox watcher and periodic storage sync
  - Status server with Prometheus metrics`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("Orbis %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text, console)")

	// Platform flags
	rootCmd.PersistentFlags().String("host", "", "platform host")
	rootCmd.PersistentFlags().String("user", "", "platform user")
	rootCmd.PersistentFlags().String("download-dir", "./downloads", "directory for result archives")

	// Status server flags
	rootCmd.PersistentFlags().Bool("status", false, "serve health, uploads and queue state over HTTP")
	rootCmd.PersistentFlags().Int("status-port", 8089, "status server port")
	rootCmd.PersistentFlags().StringSlice("cors", nil, "allowed CORS origins for the status server")

	// Bind flags to viper
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = v.BindPFlag("server.user", rootCmd.PersistentFlags().Lookup("user"))
	_ = v.BindPFlag("query.download_dir", rootCmd.PersistentFlags().Lookup("download-dir"))
	_ = v.BindPFlag("status.enabled", rootCmd.PersistentFlags().Lookup("status"))
	_ = v.BindPFlag("status.port", rootCmd.PersistentFlags().Lookup("status-port"))
	_ = v.BindPFlag("status.cors.allowed_origins", rootCmd.PersistentFlags().Lookup("cors"))

	rootCmd.AddCommand(versionCmd, queryCmd, uploadCmd, queueCmd, historyCmd)
}

// bootstrap loads the configuration, builds the application and starts its
// background components. The returned context ends on SIGINT or SIGTERM;
// the cleanup function stops everything.
func bootstrap() (context.Context, *app.App, func(), error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, fmt.Errorf("initializing application: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stop()
		return nil, nil, nil, err
	}

	cleanup := func() {
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}
	return ctx, a, cleanup, nil
}
