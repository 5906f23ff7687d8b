package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "allowance",
		Short:        "Allowance: spend authority for autonomous agents",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file")

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newSpendCmd(),
		newReportCmd(),
		newAuditCmd(),
		newKeysCmd(),
		newMCPCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
