package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthorizationRecord is one audited signed authorization and how its
// verification went.
type AuthorizationRecord struct {
	ID        string          `json:"id"`
	KeyID     string          `json:"key_id"`
	Kind      string          `json:"kind"`
	Principal string          `json:"principal"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     uint64          `json:"nonce"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty"`
	Verified  bool            `json:"verified"`
	Failure   string          `json:"failure,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditConfig controls the authorization audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	StoreMessages bool   `yaml:"store_messages"`
}

// AuditQueryOpts specifies filters for querying authorization records.
type AuditQueryOpts struct {
	KeyID     string
	Kind      string
	Principal string
	Since     time.Time
	Failed    bool
	Limit     int
}

// AuditStat holds aggregate counts for a kind/day combination.
type AuditStat struct {
	Kind     string
	Day      string
	Count    int
	Failures int
}
