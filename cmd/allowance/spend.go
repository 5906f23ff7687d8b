package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/config"
	"github.com/pario-ai/allowance/pkg/gateway"
	"github.com/pario-ai/allowance/pkg/signer"
)

func newSpendCmd() *cobra.Command {
	var (
		principal     string
		serviceType   string
		payload       string
		url           string
		maxTotal      float64
		maxPerRequest float64
		maxPrice      float64
	)

	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Open a gateway session, make one paid call and close it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" || serviceType == "" {
				return fmt.Errorf("--principal and --service are required")
			}
			var body json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				body = json.RawMessage(payload)
			}

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if url != "" {
				cfg.Gateway.URL = url
			}

			client := gateway.NewClient(cfg.Gateway.URL,
				gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout}),
				gateway.WithRetries(cfg.Gateway.Retries),
				gateway.WithClientLogger(logger),
			)
			opts := []gateway.CoordinatorOption{
				gateway.WithLogger(logger),
				gateway.WithConcurrency(cfg.Gateway.Concurrency),
			}
			if cfg.Signer.PrivateKey != "" {
				id, err := loadIdentity(cfg.Signer, time.Now)
				if err != nil {
					return err
				}
				opts = append(opts, gateway.WithIdentity(principal, id))
			}
			coord := gateway.NewCoordinator(client, opts...)

			call, closed, err := coord.SpendOnce(cmd.Context(), principal,
				gateway.Limits{
					MaxTotal:      decimal.NewFromFloat(maxTotal),
					MaxPerRequest: decimal.NewFromFloat(maxPerRequest),
				},
				gateway.Request{
					ServiceType: serviceType,
					Payload:     body,
					MaxPrice:    decimal.NewFromFloat(maxPrice),
				})
			var rejected *gateway.SessionRejected
			if errors.As(err, &rejected) {
				fmt.Printf("Session refused: %s\n", rejected.Reason)
				return err
			}

			tx := call.Transaction
			switch {
			case tx.ID == "":
			case tx.Accepted():
				fmt.Printf("Paid %s to %s for %s (tx %s)\n", tx.Amount.StringFixed(2), tx.To, serviceType, tx.ID)
			default:
				fmt.Printf("Rejected by %s check: %s\n", tx.Origin, tx.RejectionReason)
			}
			if closed.SessionID != "" {
				fmt.Printf("Session %s closed: spent %s over %d requests\n",
					closed.SessionID, closed.TotalSpent.StringFixed(2), closed.RequestCount)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "", "spending principal")
	cmd.Flags().StringVar(&serviceType, "service", "", "service type to buy")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload forwarded to the service")
	cmd.Flags().StringVar(&url, "url", "", "gateway URL (overrides config)")
	cmd.Flags().Float64Var(&maxTotal, "max-total", 10, "session spending cap")
	cmd.Flags().Float64Var(&maxPerRequest, "max-per-request", 0, "per-request cap (0 for none)")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "highest price for this call (0 for the session cap)")
	return cmd
}

// loadIdentity restores the configured signing key. Each run starts its nonce
// sequence at the current time in microseconds so a verifier that saw an
// earlier run does not refuse this one as a replay. Microseconds stay below
// the 2^53 the Redis nonce store compares exactly.
func loadIdentity(sc config.SignerConfig, now func() time.Time) (*signer.Identity, error) {
	id, err := signer.FromHex(sc.KeyID, sc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	id.AdvanceTo(uint64(now().UnixMicro()))
	return id, nil
}
