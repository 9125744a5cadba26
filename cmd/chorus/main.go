package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "chorus — persona fleet engine for chat bots",
	Long: `chorus runs a fleet of chat personas over OpenRouter models: a durable
message queue, per-user model scoring and selection, retrieval-augmented
replies, and proactive re-engagement of idle users.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(logLevelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
