package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/audit"
	cachepkg "github.com/pario-ai/allowance/pkg/cache/sqlite"
	"github.com/pario-ai/allowance/pkg/config"
	"github.com/pario-ai/allowance/pkg/proxy"
	"github.com/pario-ai/allowance/pkg/signer"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the local spend-authority server",
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

			verifier, closeStore, err := newVerifier(cfg, eng.metrics)
			if err != nil {
				return err
			}
			defer closeStore()

			cache, err := cachepkg.New(cfg.DBPath, cfg.Server.IdempotencyTTL)
			if err != nil {
				return fmt.Errorf("init idempotency cache: %w", err)
			}
			defer func() { _ = cache.Close() }()

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit logger: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			opts := []proxy.Option{
				proxy.WithVerifier(verifier),
				proxy.WithLogger(logger),
				proxy.WithMetrics(eng.metrics),
			}
			if eng.provider != nil {
				opts = append(opts, proxy.WithProvider(eng.provider))
			}
			return proxy.New(cfg, eng.market, cache, auditor, opts...).ListenAndServe(ctx)
		},
	}
}

// newVerifier builds the signature verifier with the configured trusted keys.
// Nonces live in Redis when enabled, in memory otherwise.
func newVerifier(cfg *config.Config, m *telemetry.Metrics) (*signer.Verifier, func(), error) {
	var store signer.NonceStore = signer.NewMemoryNonceStore()
	closeStore := func() {}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = signer.NewRedisNonceStore(client, cfg.Redis.Prefix)
		closeStore = func() { _ = client.Close() }
	}

	v := signer.NewVerifier(store, signer.WithVerifierMetrics(m))
	for _, k := range cfg.Server.TrustedKeys {
		pub, err := signer.DecodePublicKey(k.PublicKey)
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("trusted key %s: %w", k.KeyID, err)
		}
		if err := v.Register(k.KeyID, k.Principal, pub); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	return v, closeStore, nil
}
