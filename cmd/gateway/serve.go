package main

import (
	"github.com/spf13/cobra"

	"github.com/poglesbyg/tracseq-gateway/internal/app"
	"github.com/poglesbyg/tracseq-gateway/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := app.New(config.Load())
	if err != nil {
		return err
	}
	return a.Run()
}
