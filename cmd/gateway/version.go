package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poglesbyg/tracseq-gateway/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway %s\n", version.String())
	},
}
