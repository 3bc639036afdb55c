package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/feasibility/internal/config"
	"github.com/ehr/feasibility/internal/parser"
)

func countCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <requestFile> <mappingFile> <fhirBaseUri> <userName> <password>",
		Short: "Evaluate a query file and print the patient count",
		Long: `Evaluate a query file and print the patient count.

Pass "" as userName and password to search without basic authentication.
The remaining settings (page size, timeouts, cache tier, workers) are read
from the environment.`,
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatFlag, _ := cmd.Flags().GetString("format")
			treeFile, _ := cmd.Flags().GetString("tree")

			format, err := parser.ParseFormat(formatFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.MappingFile = args[1]
			cfg.FHIRBaseURL = args[2]
			cfg.FHIRUser = args[3]
			cfg.FHIRPassword = args[4]
			if cfg.FHIRUser != "" {
				cfg.FHIRToken = ""
			}
			if treeFile != "" {
				cfg.TreeFile = treeFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			request, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read request file: %w", err)
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.Count(ctx, format, request)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().StringP("format", "f", string(parser.FormatCSQ), "Request format: CSQ or I2B2")
	cmd.Flags().String("tree", "", "Term-code tree file (JSON or YAML) used to expand codes to their descendants")
	return cmd
}
