package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// BrokerConfig holds the configuration of the central broker.
type BrokerConfig struct {
	Listen ListenConfig `yaml:"listen"`

	// TokenFile is the YAML token store. It is watched for changes.
	TokenFile string `yaml:"token_file"`

	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	AuthRateLimit governance.RateLimiterConfig `yaml:"auth_rate_limit"`

	// GrantModule is an optional Rego module consulted on every redirect.
	GrantModule string `yaml:"grant_module"`

	MetricsAddress string `yaml:"metrics_address"`
	NATSURL        string `yaml:"nats_url"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// ListenConfig holds the three broker service addresses.
type ListenConfig struct {
	Auth      string `yaml:"auth"`
	Requester string `yaml:"requester"`
	Response  string `yaml:"response"`
}

// DefaultBrokerConfig returns the broker defaults.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Listen: ListenConfig{
			Auth:      ":7001",
			Requester: ":7002",
			Response:  ":7003",
		},
		TokenFile:        "tokens.yaml",
		LivenessTimeout:  3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		AuthRateLimit: governance.RateLimiterConfig{
			RequestsPerSecond: 5,
			BurstSize:         10,
			IdleTTL:           10 * time.Minute,
		},
		MetricsAddress: ":9464",
		Logging:        logging.Config{Level: "info"},
	}
}

// LoadBroker reads the broker configuration and applies RELAY_* overrides.
func LoadBroker(path string) (*BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	applyBrokerEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyBrokerEnv(cfg *BrokerConfig) {
	envString("AUTH_ADDR", &cfg.Listen.Auth)
	envString("REQUESTER_ADDR", &cfg.Listen.Requester)
	envString("RESPONSE_ADDR", &cfg.Listen.Response)
	envString("TOKEN_FILE", &cfg.TokenFile)
	envDuration("LIVENESS_TIMEOUT", &cfg.LivenessTimeout)
	envDuration("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	envString("GRANT_MODULE", &cfg.GrantModule)
	envString("METRICS_ADDR", &cfg.MetricsAddress)
	envString("NATS_URL", &cfg.NATSURL)
	applyTelemetryEnv(&cfg.Telemetry)
	applyLoggingEnv(&cfg.Logging)
}

// Validate checks the broker configuration and fills remaining defaults.
func (c *BrokerConfig) Validate() error {
	if err := c.Listen.Validate(); err != nil {
		return fmt.Errorf("listen configuration: %w", err)
	}
	if c.TokenFile == "" {
		return errors.New("token_file is required")
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness_timeout must be positive, got %s", c.LivenessTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.AuthRateLimit.RequestsPerSecond < 0 || c.AuthRateLimit.BurstSize < 0 {
		return errors.New("auth_rate_limit: negative values are not allowed")
	}
	if err := validateAddress("metrics_address", c.MetricsAddress, true); err != nil {
		return err
	}
	if err := validateTelemetry(&c.Telemetry, "relay-broker"); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate checks that the three services have distinct addresses.
func (c *ListenConfig) Validate() error {
	seen := make(map[string]string, 3)
	for _, svc := range []struct{ name, addr string }{
		{"auth", c.Auth},
		{"requester", c.Requester},
		{"response", c.Response},
	} {
		if err := validateAddress(svc.name, svc.addr, false); err != nil {
			return err
		}
		if other, dup := seen[svc.addr]; dup {
			return fmt.Errorf("%s address %q conflicts with %s", svc.name, svc.addr, other)
		}
		seen[svc.addr] = svc.name
	}
	return nil
}
