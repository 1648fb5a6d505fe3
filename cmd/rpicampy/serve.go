package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/istvanzk/rpicampy-sub000/internal/app"
	"github.com/istvanzk/rpicampy-sub000/internal/config"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/version"
)

var (
	serveConfigPath string
	serveLogLevel   string
	serveEnvFile    string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled jobs (main command)",
	Long: `Run the camera, upload and directory jobs over the configured activity
period. The command returns when the period is over, when the jobs are
disabled remotely with "sch/0", on SIGINT/SIGTERM, or with a non-zero exit
status when a job fails critically.`,
	RunE: serveHandler,
}

func serveHandler(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvOptional(serveEnvFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", serveEnvFile, err)
	}

	cfg, err := loadServeConfig(serveConfigPath, serveLogLevel)
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info(version.FormatStartupMessage(),
		logger.Field{Key: "config", Value: serveConfigPath},
		logger.Field{Key: "start_date", Value: cfg.Timer.StartDate},
		logger.Field{Key: "stop_date", Value: cfg.Timer.StopDate},
		logger.Field{Key: "remote", Value: cfg.Remote.Enabled()},
		logger.Field{Key: "metrics", Value: cfg.Metrics.Enabled})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal shuts down gracefully, the second one exits immediately.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		cancel()
		select {
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	a := app.New(cfg, log)
	if err := a.Run(ctx); err != nil {
		log.Error("rpicampy stopped on a critical job error", err)
		return err
	}
	log.Info("rpicampy finished")
	return nil
}

// loadServeConfig loads and validates the configuration. A non-empty level
// overrides logging.level.
func loadServeConfig(path, level string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		pterm.Error.Println("Configuration validation failed:")
		for _, e := range errs {
			pterm.Printf("  - %v\n", e)
		}
		return nil, fmt.Errorf("configuration has %d errors", len(errs))
	}
	return cfg, nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", DefaultConfigPath, "Path to the configuration file (.toml, .yaml)")
	serveCmd.Flags().StringVarP(&serveLogLevel, "log-level", "l", "", "Override logging.level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "./.env", "KEY=VALUE file loaded into the environment before the configuration")
}
