// Package telemetry records spend outcomes as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/pario-ai/allowance"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	spends        metric.Int64Counter
	spendAmount   metric.Float64Counter
	limitBreaches metric.Int64Counter
	alerts        metric.Int64Counter
	sessions      metric.Int64UpDownCounter
	callDuration  metric.Float64Histogram
	replays       metric.Int64Counter
}

// New creates instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.spends, err = meter.Int64Counter("allowance.spends.total",
		metric.WithDescription("Spend attempts by outcome and reason"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create spends counter: %w", err)
	}

	m.spendAmount, err = meter.Float64Counter("allowance.spend.amount",
		metric.WithDescription("Committed spend amount"),
		metric.WithUnit("{currency}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create amount counter: %w", err)
	}

	m.limitBreaches, err = meter.Int64Counter("allowance.limit.breaches",
		metric.WithDescription("Hard limit breaches refused by the ledger"),
		metric.WithUnit("{breach}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breach counter: %w", err)
	}

	m.alerts, err = meter.Int64Counter("allowance.alerts.fired",
		metric.WithDescription("Soft alert threshold crossings"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create alert counter: %w", err)
	}

	m.sessions, err = meter.Int64UpDownCounter("allowance.sessions.active",
		metric.WithDescription("Open gateway sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create session counter: %w", err)
	}

	m.callDuration, err = meter.Float64Histogram("allowance.call.duration",
		metric.WithDescription("Gateway call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	m.replays, err = meter.Int64Counter("allowance.authorizations.rejected",
		metric.WithDescription("Authorizations refused by the verifier"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verifier counter: %w", err)
	}
	return m, nil
}

// Noop returns metrics backed by the no-op meter.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(meterName))
	return m
}

// RecordSpend counts one spend decision. amount is added only when accepted.
func (m *Metrics) RecordSpend(ctx context.Context, origin, outcome, reason string, amount float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("origin", origin),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.spends.Add(ctx, 1, attrs)
	if outcome == "accepted" && amount > 0 {
		m.spendAmount.Add(ctx, amount, metric.WithAttributes(attribute.String("origin", origin)))
	}
}

// RecordLimitBreach counts a refused hard-limit spend.
func (m *Metrics) RecordLimitBreach(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.limitBreaches.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordAlert counts a soft alert firing.
func (m *Metrics) RecordAlert(ctx context.Context) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1)
}

// SessionOpened and SessionClosed track active gateway sessions.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}

// RecordCall records a gateway call latency.
func (m *Metrics) RecordCall(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordAuthorizationRejected counts a verifier refusal by cause.
func (m *Metrics) RecordAuthorizationRejected(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// Provider is an in-process meter provider with a pull reader, used by the
// local server to expose a metrics snapshot.
type Provider struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewProvider builds an SDK meter provider with a manual reader.
func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	return &Provider{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// Meter returns the engine meter.
func (p *Provider) Meter() metric.Meter {
	return p.provider.Meter(meterName)
}

// Snapshot collects current values as name -> attribute set -> value.
func (p *Provider) Snapshot(ctx context.Context) (map[string]map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	out := make(map[string]map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			points := make(map[string]float64)
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points[attrKey(dp.Attributes)] = float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					points[attrKey(dp.Attributes)] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points[attrKey(dp.Attributes)] = float64(dp.Count)
				}
			}
			out[m.Name] = points
		}
	}
	return out, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

func attrKey(set attribute.Set) string {
	enc := attribute.DefaultEncoder()
	return set.Encoded(enc)
}
