package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "feasibility",
		Short:        "Count patients matching a feasibility query against a FHIR server",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(countCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cacheCmd())
	return rootCmd
}
