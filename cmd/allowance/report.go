package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var (
		principal    string
		since        time.Duration
		transactions bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show journaled spend per principal and category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			tr, err := openJournal(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}

			// Transaction list view
			if transactions {
				if principal == "" {
					return fmt.Errorf("--transactions requires --principal")
				}
				txs, err := tr.QueryByPrincipal(ctx, principal, from)
				if err != nil {
					return err
				}
				if len(txs) == 0 {
					fmt.Println("No transactions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTO\tCATEGORY\tAMOUNT\tSTATUS\tREASON")
				for _, t := range txs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						t.Timestamp.Format("2006-01-02T15:04:05"), t.To, t.Category,
						t.Amount.StringFixed(2), t.Status, t.RejectionReason)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				total, err := tr.TotalByPrincipal(ctx, principal, from)
				if err != nil {
					return err
				}
				fmt.Printf("Accepted total: %s\n", total.StringFixed(2))
				return nil
			}

			// Default: summary
			summaries, err := tr.Summary(ctx, principal)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No journal entries found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRINCIPAL\tCATEGORY\tACCEPTED\tREJECTED\tTOTAL")
			for _, s := range summaries {
				category := s.Category
				if category == "" {
					category = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.Principal, category, humanize.Comma(int64(s.Accepted)),
					humanize.Comma(int64(s.Rejected)), s.TotalAccepted.StringFixed(2))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "", "filter by principal")
	cmd.Flags().DurationVar(&since, "since", 0, "only transactions newer than this (e.g. 24h)")
	cmd.Flags().BoolVar(&transactions, "transactions", false, "list individual transactions for --principal")
	return cmd
}
