package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time through -ldflags
var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "synthstack-orch",
		Short: "SynthStack Orchestrator - Autonomous project scheduler",
		Long: `SynthStack Orchestrator runs autonomous agents against your projects.
It evaluates per-project schedules, dispatches batch orchestration jobs
through a priority queue, and enforces per-action rate limits with
approval gating for risky operations.`,
	}
)

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
