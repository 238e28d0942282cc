package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "buildrelay",
	Short: "BuildRelay - trigger CI builds and follow them to a classified result",
	Long: `BuildRelay triggers Jenkins builds, follows each one from its queue item
to a running build, streams the console output as lifecycle events and
stores a final record with a failure classification.

Run "buildrelay serve" for the HTTP API or "buildrelay trigger" for a
one-off build from the command line.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(buildsCmd)
	rootCmd.AddCommand(classifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
