package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/istvanzk/rpicampy-sub000/internal/config"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Validate rpicampy configuration files.`,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Load the configuration file, apply defaults and report every problem found.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Initialize a minimal logger for this command
		log, err := logger.NewWithWriter(logger.Config{
			Level:  "info",
			Format: "text",
		}, cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		configPath := DefaultConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		log.Info("Validating configuration", logger.Field{Key: "path", Value: configPath})
		return validateConfig(configPath, log)
	},
}

func validateConfig(path string, log *logger.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error("Failed to load config", err)
		return err
	}

	errors := cfg.Validate()
	if len(errors) > 0 {
		for _, e := range errors {
			log.Error("Validation error", e)
		}
		return fmt.Errorf("config validation failed with %d errors", len(errors))
	}

	log.Info("Configuration is valid",
		logger.Field{Key: "windows", Value: len(cfg.Timer.Windows)},
		logger.Field{Key: "start_date", Value: cfg.Timer.StartDate},
		logger.Field{Key: "stop_date", Value: cfg.Timer.StopDate})
	return nil
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
