package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Agent pool coordination and workflow orchestration",
	Long: `Drover coordinates work across a pool of agent workers.

It distributes tasks through priority queues with load balancing and
dead-letter handling, resolves task dependencies into execution order,
and runs YAML-defined workflow processes with gateways, timers, human
tasks, and compensating sagas.

Core capabilities:
- Priority task distribution with overflow fallback and starvation control
- Dependency-resolved distributed workflows with cycle detection
- Token-based process execution (gateways, timers, sub-processes)
- Sagas with reverse-order compensation
- Event correlation triggering processes, sagas, or callbacks`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (defaults to XDG lookup)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads either the explicit --config file or the layered
// default configuration.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}
