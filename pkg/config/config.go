package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/allowance/pkg/logging"
	"github.com/pario-ai/allowance/pkg/models"
)

// Config holds all allowance configuration. Amounts are written as plain
// numbers in YAML and converted to decimals once, here.
type Config struct {
	Listen     string             `yaml:"listen"`
	DBPath     string             `yaml:"db_path"`
	Seed       int64              `yaml:"seed"`
	Log        logging.Config     `yaml:"log"`
	Ledger     LedgerConfig       `yaml:"ledger"`
	Principals []PrincipalConfig  `yaml:"principals"`
	Offerings  []OfferingConfig   `yaml:"offerings"`
	CostModels []CostModelConfig  `yaml:"cost_models"`
	Gateway    GatewayConfig      `yaml:"gateway"`
	Signer     SignerConfig       `yaml:"signer"`
	Server     ServerConfig       `yaml:"server"`
	Simulate   SimulateConfig     `yaml:"simulate"`
	Audit      models.AuditConfig `yaml:"audit"`
	Redis      RedisConfig        `yaml:"redis"`
	Kafka      KafkaConfig        `yaml:"kafka"`
	Postgres   PostgresConfig     `yaml:"postgres"`
	Telemetry  TelemetryConfig    `yaml:"telemetry"`
}

// LedgerConfig sets the ledger-wide ceilings. Zero disables a ceiling.
type LedgerConfig struct {
	HardLimit      float64 `yaml:"hard_limit"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// PolicyConfig is the YAML form of a BudgetPolicy.
type PolicyConfig struct {
	MaxPerTransaction     float64   `yaml:"max_per_transaction"`
	MaxPerDay             float64   `yaml:"max_per_day"`
	MaxLifetime           float64   `yaml:"max_lifetime"`
	AllowedCounterparties []string  `yaml:"allowed_counterparties"`
	AllowedCategories     []string  `yaml:"allowed_categories"`
	ExpiresAt             time.Time `yaml:"expires_at"`
}

// Policy converts and validates the policy.
func (p PolicyConfig) Policy() (models.BudgetPolicy, error) {
	policy, err := models.NewBudgetPolicy(
		decimal.NewFromFloat(p.MaxPerTransaction),
		decimal.NewFromFloat(p.MaxPerDay),
		decimal.NewFromFloat(p.MaxLifetime),
		p.ExpiresAt,
	)
	if err != nil {
		return models.BudgetPolicy{}, err
	}
	return policy.WithAllowLists(p.AllowedCounterparties, p.AllowedCategories), nil
}

// PrincipalConfig declares a principal, its opening balance and policy.
type PrincipalConfig struct {
	ID      string       `yaml:"id"`
	Balance float64      `yaml:"balance"`
	Policy  PolicyConfig `yaml:"policy"`
}

// OfferingConfig lists a service on the local market.
type OfferingConfig struct {
	Seller         string  `yaml:"seller"`
	Category       string  `yaml:"category"`
	Price          float64 `yaml:"price"`
	ReferencePrice float64 `yaml:"reference_price"`
	Reliability    float64 `yaml:"reliability"`
	QualityScore   float64 `yaml:"quality_score"`
}

// CostModelConfig prices metered usage for a category.
type CostModelConfig struct {
	Category          string  `yaml:"category"`
	PerThousandInput  float64 `yaml:"per_1k_input"`
	PerThousandOutput float64 `yaml:"per_1k_output"`
}

// GatewayConfig points the client at a remote spend-authority service.
type GatewayConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	Concurrency int           `yaml:"concurrency"`
}

// SignerConfig holds the signing identity. PrivateKey is a hex seed.
type SignerConfig struct {
	KeyID      string `yaml:"key_id"`
	PrivateKey string `yaml:"private_key"`
}

// DeniedConfig refuses sessions for a principal with a message and contact.
type DeniedConfig struct {
	Principal string `yaml:"principal"`
	Message   string `yaml:"message"`
	Contact   string `yaml:"contact"`
}

// TrustedKeyConfig registers a verification key with the local server. The
// key may only sign for Principal.
type TrustedKeyConfig struct {
	KeyID     string `yaml:"key_id"`
	Principal string `yaml:"principal"`
	PublicKey string `yaml:"public_key"`
}

// ServerConfig controls the local spend-authority server. AdminToken guards
// the principal endpoints; when empty they are not served.
type ServerConfig struct {
	TokenSecret       string             `yaml:"token_secret"`
	AdminToken        string             `yaml:"admin_token"`
	TokenTTL          time.Duration      `yaml:"token_ttl"`
	RateLimit         float64            `yaml:"rate_limit"`
	Burst             int                `yaml:"burst"`
	IdempotencyTTL    time.Duration      `yaml:"idempotency_ttl"`
	RequireSignatures bool               `yaml:"require_signatures"`
	TrustedKeys       []TrustedKeyConfig `yaml:"trusted_keys"`
	Denied            []DeniedConfig     `yaml:"denied"`
}

// SimulateConfig drives the simulate command.
type SimulateConfig struct {
	Rounds     int      `yaml:"rounds"`
	Buyers     []string `yaml:"buyers"`
	Category   string   `yaml:"category"`
	ResetEvery int      `yaml:"reset_every"`
}

// RedisConfig enables the shared nonce store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// KafkaConfig enables event publishing.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
}

// PostgresConfig selects the PostgreSQL journal instead of SQLite.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TelemetryConfig toggles the metrics endpoint.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "allowance.db",
		Seed:   1,
		Log: logging.Config{
			Level: "info",
		},
		Gateway: GatewayConfig{
			URL:         "http://localhost:8080",
			Timeout:     10 * time.Second,
			Retries:     3,
			Concurrency: 8,
		},
		Server: ServerConfig{
			TokenTTL:       time.Hour,
			RateLimit:      50,
			Burst:          100,
			IdempotencyTTL: 24 * time.Hour,
		},
		Simulate: SimulateConfig{
			Rounds: 20,
		},
		Audit: models.AuditConfig{
			DBPath:        "allowance_audit.db",
			RetentionDays: 90,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "allowance:nonce:",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every principal policy and offering and reports the first
// problem found.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Principals))
	for i, p := range c.Principals {
		if p.ID == "" {
			return fmt.Errorf("principals[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("principals[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Balance < 0 {
			return fmt.Errorf("principal %s: negative balance", p.ID)
		}
		if _, err := p.Policy.Policy(); err != nil {
			return fmt.Errorf("principal %s: %w", p.ID, err)
		}
	}
	for i, o := range c.Offerings {
		if o.Seller == "" || o.Price <= 0 {
			return fmt.Errorf("offerings[%d]: seller and positive price are required", i)
		}
		if o.Reliability < 0 || o.Reliability > 1 || o.QualityScore < 0 || o.QualityScore > 1 {
			return fmt.Errorf("offerings[%d]: reliability and quality_score must be within [0,1]", i)
		}
	}
	if c.Ledger.HardLimit < 0 || c.Ledger.AlertThreshold < 0 {
		return fmt.Errorf("ledger: limits must not be negative")
	}
	if c.Ledger.HardLimit > 0 && c.Ledger.AlertThreshold > c.Ledger.HardLimit {
		return fmt.Errorf("ledger: alert_threshold %v exceeds hard_limit %v", c.Ledger.AlertThreshold, c.Ledger.HardLimit)
	}
	return nil
}

// HardLimitDecimal returns the ledger hard limit as a decimal.
func (l LedgerConfig) HardLimitDecimal() decimal.Decimal { return decimal.NewFromFloat(l.HardLimit) }

// AlertThresholdDecimal returns the alert threshold as a decimal.
func (l LedgerConfig) AlertThresholdDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.AlertThreshold)
}
