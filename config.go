package fundcore

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Ledger network endpoints.
	Endpoint  string `env:"LEDGER_ENDPOINT" envDefault:"wss://s.altnet.rippletest.net:51233"`
	FaucetURL string `env:"LEDGER_FAUCET_URL" envDefault:"https://faucet.altnet.rippletest.net/accounts"`

	Port int `env:"PORT" envDefault:"8080"`

	// Issued token parameters.
	Currency       string          `env:"TOKEN_CURRENCY" envDefault:"USD"`
	TrustLineLimit decimal.Decimal `env:"TRUST_LINE_LIMIT" envDefault:"1000000000"`
	TopUpBelow     decimal.Decimal `env:"TOKEN_TOPUP_BELOW" envDefault:"1000"`
	InitialGrant   decimal.Decimal `env:"TOKEN_INITIAL_GRANT" envDefault:"10000"`

	// Campaign limits.
	MinFundingTarget decimal.Decimal `env:"CAMPAIGN_MIN_TARGET" envDefault:"100"`
	MaxFundingTarget decimal.Decimal `env:"CAMPAIGN_MAX_TARGET" envDefault:"1000000"`
	MinDuration      time.Duration   `env:"CAMPAIGN_MIN_DURATION" envDefault:"24h"`
	MaxDuration      time.Duration   `env:"CAMPAIGN_MAX_DURATION" envDefault:"2160h"`

	// Network ops use a fixed inter-attempt delay, not exponential backoff.
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"2s"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	SubmitTimeout  time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"30s"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}
