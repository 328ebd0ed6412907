package main

import (
	"github.com/spf13/cobra"
)

// rootCmd runs the gateway when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "tracseq API gateway",
	Long: `API gateway for the tracseq laboratory services.

Routes requests to the backends declared in the services file with rate
limiting, circuit breaking, retries, health checks, metrics and tracing.
Configuration is read from GATEWAY_* and REDIS_* environment variables.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, servicesCmd, versionCmd)
}
