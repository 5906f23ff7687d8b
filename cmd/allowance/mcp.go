package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the market and ledger as MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			return mcp.New(eng.market, eng.journal, logger, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
