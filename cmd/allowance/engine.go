package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/config"
	"github.com/pario-ai/allowance/pkg/events"
	"github.com/pario-ai/allowance/pkg/events/kafka"
	"github.com/pario-ai/allowance/pkg/ledger"
	"github.com/pario-ai/allowance/pkg/logging"
	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/telemetry"
	"github.com/pario-ai/allowance/pkg/tracker"
)

const defaultConfigPath = "allowance.yaml"

// loadConfig reads the --config file. A missing default file falls back to
// built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg := config.Default()
	if _, statErr := os.Stat(path); statErr == nil || cmd.Flags().Changed("config") {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// engine is the market, ledger and their sinks built from config.
type engine struct {
	logger   *zap.Logger
	provider *telemetry.Provider
	metrics  *telemetry.Metrics
	journal  tracker.Tracker
	ledger   *ledger.Ledger
	market   *market.Simulator
	closers  []func() error
}

func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{logger: logger, metrics: telemetry.Noop()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.Close())
		}
	}()

	if cfg.Telemetry.Enabled {
		e.provider = telemetry.NewProvider()
		e.closers = append(e.closers, func() error { return e.provider.Shutdown(context.Background()) })
		if e.metrics, err = telemetry.New(e.provider.Meter()); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	if e.journal, err = openJournal(ctx, cfg); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.journal.Close)

	var pub events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers)
		e.closers = append(e.closers, kp.Close)
		pub = kp
	}

	e.ledger = ledger.New(
		ledger.WithHardLimit(cfg.Ledger.HardLimitDecimal()),
		ledger.WithAlertThreshold(cfg.Ledger.AlertThresholdDecimal()),
		ledger.WithJournal(e.journal),
		ledger.WithLogger(logger),
		ledger.WithMetrics(e.metrics),
	)
	for _, cm := range cfg.CostModels {
		e.ledger.RegisterCostModel(cm.Category,
			decimal.NewFromFloat(cm.PerThousandInput), decimal.NewFromFloat(cm.PerThousandOutput))
	}

	e.market = market.New(
		market.WithSeed(cfg.Seed),
		market.WithLedger(e.ledger),
		market.WithPublisher(pub),
		market.WithLogger(logger),
	)
	for _, p := range cfg.Principals {
		policy, err := p.Policy.Policy()
		if err != nil {
			return nil, fmt.Errorf("principal %s: %w", p.ID, err)
		}
		if err := e.market.CreatePrincipal(p.ID, decimal.NewFromFloat(p.Balance), policy); err != nil {
			return nil, err
		}
	}
	for _, o := range cfg.Offerings {
		if _, err := e.market.RegisterOffering(o.Seller, o.Category,
			decimal.NewFromFloat(o.Price), decimal.NewFromFloat(o.ReferencePrice),
			o.Reliability, o.QualityScore); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func openJournal(ctx context.Context, cfg *config.Config) (tracker.Tracker, error) {
	if cfg.Postgres.Enabled {
		pg, err := tracker.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres journal: %w", err)
		}
		return pg, nil
	}
	lite, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return lite, nil
}

// Close releases sinks in reverse order of creation.
func (e *engine) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	e.closers = nil
	return err
}
