// Package config loads broker and client settings from the environment and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportPolling      = "polling"
	TransportSubscription = "subscription"

	SubmitWallet = "wallet"
	SubmitBroker = "broker"
)

// Config holds every setting; the broker and the CLI each read the part
// they need. Missing approval service credentials are not a load error: the
// handshake reports them as a configuration failure.
type Config struct {
	// Approval service.
	XummBaseURL   string `mapstructure:"RIPLX_XUMM_BASE_URL"`
	XummAPIKey    string `mapstructure:"RIPLX_XUMM_API_KEY"`
	XummAPISecret string `mapstructure:"RIPLX_XUMM_API_SECRET"`

	// Client side.
	BrokerURL       string        `mapstructure:"RIPLX_BROKER_URL"`
	Transport       string        `mapstructure:"RIPLX_TRANSPORT"`
	PollInterval    time.Duration `mapstructure:"RIPLX_POLL_INTERVAL"`
	PollMaxAttempts int           `mapstructure:"RIPLX_POLL_MAX_ATTEMPTS"`
	NATSURL         string        `mapstructure:"RIPLX_NATS_URL"`
	SubmitMode      string        `mapstructure:"RIPLX_SUBMIT_MODE"`

	// Broker.
	HTTPPort      int           `mapstructure:"RIPLX_HTTP_PORT"`
	LedgerRPCURL  string        `mapstructure:"RIPLX_LEDGER_RPC_URL"`
	Issuer        string        `mapstructure:"RIPLX_ISSUER"`
	CurrencyCode  string        `mapstructure:"RIPLX_CURRENCY_CODE"`
	WebhookSecret string        `mapstructure:"RIPLX_WEBHOOK_SECRET"`
	APISecret     string        `mapstructure:"RIPLX_API_SECRET"`
	HMACClockSkew time.Duration `mapstructure:"RIPLX_HMAC_CLOCK_SKEW"`
	DLQPath       string        `mapstructure:"RIPLX_DLQ_PATH"`

	// Credential gate policy.
	CredentialIssuer    string `mapstructure:"RIPLX_CREDENTIAL_ISSUER"`
	CredentialType      string `mapstructure:"RIPLX_CREDENTIAL_TYPE"`
	CredentialAllowlist string `mapstructure:"RIPLX_CREDENTIAL_ALLOWLIST"`

	// Idempotency.
	IdempotencyBackend string        `mapstructure:"RIPLX_IDEMPOTENCY_BACKEND"`
	IdempotencyPath    string        `mapstructure:"RIPLX_IDEMPOTENCY_PATH"`
	DatabaseURL        string        `mapstructure:"RIPLX_DATABASE_URL"`
	RedisURL           string        `mapstructure:"RIPLX_REDIS_URL"`
	IdempotencyWindow  time.Duration `mapstructure:"RIPLX_IDEMPOTENCY_WINDOW"`

	// Retry policy for webhook follow-up calls.
	RetryMaxAttempts    int           `mapstructure:"RIPLX_RETRY_MAX_ATTEMPTS"`
	RetryInitialBackoff time.Duration `mapstructure:"RIPLX_RETRY_INITIAL_BACKOFF"`
	RetryMaxBackoff     time.Duration `mapstructure:"RIPLX_RETRY_MAX_BACKOFF"`
	RetryMultiplier     int           `mapstructure:"RIPLX_RETRY_MULTIPLIER"`

	LogLevel string `mapstructure:"RIPLX_LOG_LEVEL"`
}

// Retry is the backoff policy used when a webhook needs follow-up calls.
type Retry struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     int
}

var defaults = map[string]any{
	"RIPLX_XUMM_BASE_URL":         "https://xumm.app/api/v1",
	"RIPLX_XUMM_API_KEY":          "",
	"RIPLX_XUMM_API_SECRET":       "",
	"RIPLX_BROKER_URL":            "http://localhost:8000",
	"RIPLX_TRANSPORT":             TransportPolling,
	"RIPLX_POLL_INTERVAL":         "3s",
	"RIPLX_POLL_MAX_ATTEMPTS":     60,
	"RIPLX_NATS_URL":              "",
	"RIPLX_SUBMIT_MODE":           SubmitWallet,
	"RIPLX_HTTP_PORT":             8000,
	"RIPLX_LEDGER_RPC_URL":        "https://s.altnet.rippletest.net:51234",
	"RIPLX_ISSUER":                "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV",
	"RIPLX_CURRENCY_CODE":         "524C555344000000000000000000000000000000",
	"RIPLX_WEBHOOK_SECRET":        "",
	"RIPLX_API_SECRET":            "",
	"RIPLX_HMAC_CLOCK_SKEW":       "60s",
	"RIPLX_DLQ_PATH":              "",
	"RIPLX_CREDENTIAL_ISSUER":     "",
	"RIPLX_CREDENTIAL_TYPE":       "41434352454449544544",
	"RIPLX_CREDENTIAL_ALLOWLIST":  "",
	"RIPLX_IDEMPOTENCY_BACKEND":   "memory",
	"RIPLX_IDEMPOTENCY_PATH":      "",
	"RIPLX_DATABASE_URL":          "",
	"RIPLX_REDIS_URL":             "",
	"RIPLX_IDEMPOTENCY_WINDOW":    "24h",
	"RIPLX_RETRY_MAX_ATTEMPTS":    3,
	"RIPLX_RETRY_INITIAL_BACKOFF": "500ms",
	"RIPLX_RETRY_MAX_BACKOFF":     "5s",
	"RIPLX_RETRY_MULTIPLIER":      2,
	"RIPLX_LOG_LEVEL":             "info",
}

// Load reads .env (if present), then the environment.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom fills in defaults on v and reads the result. Callers may bind
// command-line flags to the RIPLX_* keys on v before calling.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that can never work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportPolling, TransportSubscription:
	default:
		errs = append(errs, fmt.Errorf("config: RIPLX_TRANSPORT must be %q or %q, got %q", TransportPolling, TransportSubscription, c.Transport))
	}
	switch c.SubmitMode {
	case SubmitWallet, SubmitBroker:
	default:
		errs = append(errs, fmt.Errorf("config: RIPLX_SUBMIT_MODE must be %q or %q, got %q", SubmitWallet, SubmitBroker, c.SubmitMode))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("config: RIPLX_POLL_INTERVAL must be positive"))
	}
	if c.PollMaxAttempts <= 0 {
		errs = append(errs, errors.New("config: RIPLX_POLL_MAX_ATTEMPTS must be positive"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, errors.New("config: RIPLX_HTTP_PORT must be between 1 and 65535"))
	}
	switch c.IdempotencyBackend {
	case "memory", "file", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("config: unknown RIPLX_IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend))
	}
	if c.IdempotencyWindow <= 0 {
		errs = append(errs, errors.New("config: RIPLX_IDEMPOTENCY_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// Allowlist returns the credential allow-list entries.
func (c *Config) Allowlist() []string {
	if c == nil || c.CredentialAllowlist == "" {
		return nil
	}
	parts := strings.Split(c.CredentialAllowlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Retry() Retry {
	r := Retry{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		Multiplier:     c.RetryMultiplier,
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 500 * time.Millisecond
	}
	return r
}

// SlogLevel maps RIPLX_LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the text logger both binaries use.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()}))
}
