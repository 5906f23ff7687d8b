package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/audit"
	"github.com/pario-ai/allowance/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the authorization audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		keyID     string
		kind      string
		principal string
		since     string
		failed    bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search verified and rejected authorizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				KeyID:     keyID,
				Kind:      kind,
				Principal: principal,
				Failed:    failed,
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			recs, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditRecords(recs))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "filter by signing key")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (spend or delegation)")
	cmd.Flags().StringVar(&principal, "principal", "", "filter by principal")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed verifications")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to return")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show authorization counts by kind and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit records.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(cmd *cobra.Command) (*audit.Logger, func(), error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	_ = logger.Sync()

	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditRecords(recs []models.AuthorizationRecord) string {
	if len(recs) == 0 {
		return "No audit records found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-11s %-16s %8s %10s %-6s %s\n",
		"TIME", "KEY ID", "KIND", "PRINCIPAL", "NONCE", "AMOUNT", "OK", "FAILURE")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, r := range recs {
		ok := "yes"
		if !r.Verified {
			ok = "no"
		}
		fmt.Fprintf(&b, "%-20s %-16s %-11s %-16s %8d %10s %-6s %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.KeyID, r.Kind, r.Principal,
			r.Nonce, r.Amount.StringFixed(2), ok, r.Failure)
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %8s %8s\n", "KIND", "DAY", "COUNT", "FAILED")
	b.WriteString(strings.Repeat("-", 44) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-12s %8d %8d\n", s.Kind, s.Day, s.Count, s.Failures)
	}
	return b.String()
}
