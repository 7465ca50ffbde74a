// Command dialog runs the conversation engine, either as an HTTP service
// (dialog serve) or for a single prompt on the terminal (dialog ask).
//
// Configuration is read from a YAML file (--config, DIALOG_CONFIG,
// ./config.yaml or /etc/dialog/config.yaml) with DIALOG_* environment
// overrides. The only required setting is the Chat Completions base URL:
//
//	DIALOG_BASE_URL=http://localhost:9090 dialog ask "What is new in Go?"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "dialog",
	Short:         "Resilient LLM conversation engine",
	Long:          `dialog drives tool-calling conversations against an OpenAI-compatible Chat Completions endpoint with shared rate budgets, bounded concurrency, retries and per-tool circuit breakers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
