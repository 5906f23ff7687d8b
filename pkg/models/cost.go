package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostModel prices one category per thousand input and output units and
// carries running aggregates of the calls recorded against it.
type CostModel struct {
	Name                  string          `json:"name" yaml:"name"`
	CostPerThousandInput  decimal.Decimal `json:"cost_per_1k_input" yaml:"-"`
	CostPerThousandOutput decimal.Decimal `json:"cost_per_1k_output" yaml:"-"`
	TotalCalls            int64           `json:"total_calls" yaml:"-"`
	TotalInputUnits       int64           `json:"total_input_units" yaml:"-"`
	TotalOutputUnits      int64           `json:"total_output_units" yaml:"-"`
	TotalLatency          time.Duration   `json:"total_latency" yaml:"-"`
	TotalCost             decimal.Decimal `json:"total_cost" yaml:"-"`
}

var thousand = decimal.NewFromInt(1000)

// Price returns the cost of a call with the given unit counts.
func (c CostModel) Price(inputUnits, outputUnits int64) decimal.Decimal {
	in := decimal.NewFromInt(inputUnits).Div(thousand).Mul(c.CostPerThousandInput)
	out := decimal.NewFromInt(outputUnits).Div(thousand).Mul(c.CostPerThousandOutput)
	return in.Add(out)
}

// AverageLatency returns the mean latency per recorded call.
func (c CostModel) AverageLatency() time.Duration {
	if c.TotalCalls == 0 {
		return 0
	}
	return c.TotalLatency / time.Duration(c.TotalCalls)
}

// SpendMeta describes a hard-limit spend for the cost-tracking ledger.
type SpendMeta struct {
	Category    string
	InputUnits  int64
	OutputUnits int64
	Latency     time.Duration
}

// CategorySummary is a read-only view of spend in one category.
type CategorySummary struct {
	Category  string          `json:"category"`
	Calls     int64           `json:"calls"`
	Committed decimal.Decimal `json:"committed"`
	Model     *CostModel      `json:"model,omitempty"`
}

// Offering is a priced service listed on the market simulator.
type Offering struct {
	ID             string          `json:"id"`
	Seller         string          `json:"seller"`
	Category       string          `json:"category"`
	Price          decimal.Decimal `json:"price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Reliability    float64         `json:"reliability"`
	QualityScore   float64         `json:"quality_score"`
}

// Delivery is the simulated outcome of consuming an offering.
type Delivery struct {
	OfferingID string  `json:"offering_id"`
	Success    bool    `json:"success"`
	Quality    float64 `json:"quality"`
}
