package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/popwandee/lprserver-v3-sub001/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "edgecomm",
	Short: "LPR edge device communication layer",
	Long: "edgecomm ships detections and health reports from an LPR edge device to the server " +
		"over socket, request or broker transports, switching between them as connectivity changes.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration (LPR_* environment variables override it)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(ingestCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
