package main

import (
	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "./rpicampy.toml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rpicampy",
	Short: "rpicampy - scheduled Raspberry Pi camera capture",
	Long: `rpicampy captures images on a daily schedule, copies them to an upload
directory and keeps the local image directory bounded. Job status is pushed
to authorized websocket clients, which may also send control commands.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(monitorCmd)
}
