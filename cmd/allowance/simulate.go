package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/config"
	"github.com/pario-ai/allowance/pkg/ledger"
	"github.com/pario-ai/allowance/pkg/market"
)

func newSimulateCmd() *cobra.Command {
	var (
		rounds      int
		category    string
		inputUnits  int64
		outputUnits int64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run seeded market rounds and print the ledger report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("rounds") {
				cfg.Simulate.Rounds = rounds
			}
			if cmd.Flags().Changed("category") {
				cfg.Simulate.Category = category
			}

			ctx := cmd.Context()
			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			res, err := runSimulation(ctx, eng.market, cfg.Simulate, usage{input: inputUnits, output: outputUnits})
			if err != nil {
				return err
			}
			fmt.Print(res.String())
			fmt.Print(eng.market.Ledger().Report())
			return nil
		},
	}

	cmd.Flags().IntVar(&rounds, "rounds", 0, "number of rounds (overrides config)")
	cmd.Flags().StringVar(&category, "category", "", "only buy offerings in this category (overrides config)")
	cmd.Flags().Int64Var(&inputUnits, "input-units", 1000, "metered input units recorded per delivery when the category has a cost model")
	cmd.Flags().Int64Var(&outputUnits, "output-units", 500, "metered output units recorded per delivery when the category has a cost model")
	return cmd
}

type usage struct {
	input  int64
	output int64
}

type simulationResult struct {
	Rounds        int
	Accepted      int
	Rejected      int
	Delivered     int
	UsageRecorded int
	UsageRefused  int
	Reasons       map[string]int
}

func (r simulationResult) String() string {
	s := fmt.Sprintf("%s rounds: %s accepted, %s rejected, %s delivered\n",
		humanize.Comma(int64(r.Rounds)), humanize.Comma(int64(r.Accepted)),
		humanize.Comma(int64(r.Rejected)), humanize.Comma(int64(r.Delivered)))
	if r.UsageRecorded+r.UsageRefused > 0 {
		s += fmt.Sprintf("metered usage: %d recorded, %d refused\n", r.UsageRecorded, r.UsageRefused)
	}
	reasons := make([]string, 0, len(r.Reasons))
	for reason := range r.Reasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		s += fmt.Sprintf("  rejected %-22s %d\n", reason+":", r.Reasons[reason])
	}
	return s
}

// runSimulation has every buyer purchase one offering per round, rotating
// through the listed offerings cheapest first. Daily usage resets every
// ResetEvery rounds.
func runSimulation(ctx context.Context, sim *market.Simulator, sc config.SimulateConfig, u usage) (simulationResult, error) {
	res := simulationResult{Reasons: make(map[string]int)}

	buyers := sc.Buyers
	if len(buyers) == 0 {
		buyers = sim.Principals()
	}
	offers := sim.Discover(market.Filter{Category: sc.Category})
	if len(offers) == 0 {
		return res, fmt.Errorf("simulate: no offerings in category %q", sc.Category)
	}

	for round := 1; round <= sc.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for i, buyer := range buyers {
			o := offers[(round-1+i)%len(offers)]
			tx, delivery, err := sim.Purchase(ctx, buyer, o.ID)
			if err != nil {
				return res, fmt.Errorf("simulate round %d: %w", round, err)
			}
			if !tx.Accepted() {
				res.Rejected++
				res.Reasons[tx.RejectionReason]++
				continue
			}
			res.Accepted++
			if delivery == nil || !delivery.Success {
				continue
			}
			res.Delivered++

			_, err = sim.Ledger().RecordUsage(ctx, buyer, o.Category, u.input, u.output, time.Duration(round)*time.Millisecond)
			switch {
			case err == nil:
				res.UsageRecorded++
			case errors.Is(err, ledger.ErrUnknownCategory):
			case errors.Is(err, ledger.ErrLimitExceeded):
				res.UsageRefused++
			default:
				return res, fmt.Errorf("simulate round %d: %w", round, err)
			}
		}
		res.Rounds = round
		if sc.ResetEvery > 0 && round%sc.ResetEvery == 0 {
			sim.ResetDailyUsage()
		}
	}
	return res, nil
}
