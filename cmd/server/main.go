// Command server is the collaboration backbone's single-binary entrypoint:
// a cobra root command carrying persistent logging flags, with a serve
// subcommand and a token subcommand for local/dev token minting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
)

var (
	logLevel  string
	logJSON   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "collab-server",
	Short: "Real-time collaborative document editing backbone",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console-formatted")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func initLogging() {
	logging.Init(logging.Options{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}
