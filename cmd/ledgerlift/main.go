package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zabrisket/ledgerlift/pkg/config"
	"github.com/zabrisket/ledgerlift/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"

	configPath string
	logLevel   string
	jsonLogs   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerlift",
		Short: "Ledger Lift document processing fabric",
		Long: `Ledger Lift ingests PDF documents, schedules their processing across a
tiered worker pool, streams live progress to clients, and enforces
operational policies.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Setup(log.Options{
				Service: "ledgerlift",
				Level:   logLevel,
				Console: !jsonLogs,
			})
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", true, "emit JSON logs")

	rootCmd.AddCommand(newAPICommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newSweeperCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ledgerlift %s (%s)\n", version, gitCommit)
		},
	}
}
