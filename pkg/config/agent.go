package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// AgentConfig holds the configuration of a relay agent.
type AgentConfig struct {
	ID      string `yaml:"id"`
	Token   string `yaml:"token"`
	Machine string `yaml:"machine"`

	Broker ListenConfig `yaml:"broker"`

	// Servers lists the peers this agent wants to see. "*" allows all.
	Servers      []string            `yaml:"servers"`
	Applications []ApplicationConfig `yaml:"applications"`

	Anchor AnchorConfig `yaml:"anchor"`

	// DirectConnect dials the agent's own applications without the broker.
	DirectConnect  bool          `yaml:"direct_connect"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RestoreDelay   time.Duration `yaml:"restore_delay"`
	MaxOffers      int           `yaml:"max_offers"`

	Backoff  governance.BackoffConfig `yaml:"backoff"`
	Resolver ResolverConfig           `yaml:"resolver"`

	MetricsAddress string           `yaml:"metrics_address"`
	Telemetry      telemetry.Config `yaml:"telemetry"`
	Logging        logging.Config   `yaml:"logging"`
}

// ApplicationConfig describes one locally hosted application.
type ApplicationConfig struct {
	Name                  string        `yaml:"name"`
	Address               string        `yaml:"address"`
	Port                  int           `yaml:"port"`
	Grants                []string      `yaml:"grants"`
	GetawayRelease        *int          `yaml:"getaway_release"`
	GetawayReleaseTimeout time.Duration `yaml:"getaway_release_timeout"`
}

// AnchorConfig controls where clients of remote applications connect.
type AnchorConfig struct {
	// Address is the interface the listeners bind. The destination address
	// of each accepted socket selects the binding.
	Address string `yaml:"address"`
	Ports   []int  `yaml:"ports"`
}

// ResolverConfig holds the domain resolver settings.
type ResolverConfig struct {
	// StorePath is a SQLite file. Empty keeps bindings in memory.
	StorePath string `yaml:"store_path"`
	// StaticDir is watched for *.yaml binding files.
	StaticDir string `yaml:"static_dir"`
	Sentinel  string `yaml:"sentinel"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Broker: ListenConfig{
			Auth:      "localhost:7001",
			Requester: "localhost:7002",
			Response:  "localhost:7003",
		},
		Anchor: AnchorConfig{
			Address: "0.0.0.0",
			Ports:   []int{80},
		},
		RequestTimeout: 10 * time.Second,
		RestoreDelay:   time.Second,
		MaxOffers:      4,
		Backoff:        governance.DefaultBackoffConfig(),
		Logging:        logging.Config{Level: "info"},
	}
}

// LoadAgent reads the agent configuration and applies RELAY_* overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	applyAgentEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyAgentEnv(cfg *AgentConfig) {
	envString("AGENT_ID", &cfg.ID)
	envString("AGENT_TOKEN", &cfg.Token)
	envString("AGENT_MACHINE", &cfg.Machine)
	envString("AUTH_ADDR", &cfg.Broker.Auth)
	envString("REQUESTER_ADDR", &cfg.Broker.Requester)
	envString("RESPONSE_ADDR", &cfg.Broker.Response)
	envList("SERVERS", &cfg.Servers)
	envString("ANCHOR_ADDR", &cfg.Anchor.Address)
	envBool("DIRECT_CONNECT", &cfg.DirectConnect)
	envDuration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envDuration("RESTORE_DELAY", &cfg.RestoreDelay)
	envInt("MAX_OFFERS", &cfg.MaxOffers)
	envString("RESOLVER_STORE", &cfg.Resolver.StorePath)
	envString("STATIC_DIR", &cfg.Resolver.StaticDir)
	envString("METRICS_ADDR", &cfg.MetricsAddress)
	applyTelemetryEnv(&cfg.Telemetry)
	applyLoggingEnv(&cfg.Logging)
}

// Validate checks the agent configuration and fills remaining defaults.
func (c *AgentConfig) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.Machine == "" {
		return errors.New("machine is required")
	}
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker configuration: %w", err)
	}

	names := make(map[string]bool, len(c.Applications))
	for i := range c.Applications {
		app := &c.Applications[i]
		if err := app.Validate(); err != nil {
			return fmt.Errorf("application %d: %w", i, err)
		}
		if names[app.Name] {
			return fmt.Errorf("duplicate application %q", app.Name)
		}
		names[app.Name] = true
	}

	if err := c.Anchor.Validate(); err != nil {
		return fmt.Errorf("anchor configuration: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.RestoreDelay <= 0 {
		return fmt.Errorf("restore_delay must be positive, got %s", c.RestoreDelay)
	}
	if c.MaxOffers < 1 {
		return fmt.Errorf("max_offers must be at least 1, got %d", c.MaxOffers)
	}
	if c.Resolver.Sentinel != "" {
		addr, err := netip.ParseAddr(c.Resolver.Sentinel)
		if err != nil {
			return fmt.Errorf("resolver configuration: sentinel: %w", err)
		}
		if !addr.Is4() || !addr.IsLoopback() {
			return fmt.Errorf("resolver configuration: sentinel %s is not an IPv4 loopback address", addr)
		}
	}
	if err := validateAddress("metrics_address", c.MetricsAddress, true); err != nil {
		return err
	}
	if err := validateTelemetry(&c.Telemetry, "relay-agent"); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// SentinelAddr returns the configured sentinel, or the zero Addr when unset.
func (c *ResolverConfig) SentinelAddr() netip.Addr {
	addr, err := netip.ParseAddr(c.Sentinel)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// Validate checks a single application entry.
func (a *ApplicationConfig) Validate() error {
	if a.Name == "" {
		return errors.New("name is required")
	}
	if a.Address == "" {
		a.Address = "127.0.0.1"
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("application %q: port %d out of range", a.Name, a.Port)
	}
	if a.GetawayRelease != nil && *a.GetawayRelease < 0 {
		return fmt.Errorf("application %q: getaway_release must not be negative", a.Name)
	}
	if a.GetawayReleaseTimeout < 0 {
		return fmt.Errorf("application %q: getaway_release_timeout must not be negative", a.Name)
	}
	return nil
}

// Application converts the entry to its domain form.
func (a ApplicationConfig) Application() domain.Application {
	return domain.Application{
		Name:                  a.Name,
		Address:               a.Address,
		Port:                  a.Port,
		Grants:                a.Grants,
		GetawayRelease:        a.GetawayRelease,
		GetawayReleaseTimeout: a.GetawayReleaseTimeout,
	}.Clone()
}

// Validate checks the anchor listener settings.
func (a *AnchorConfig) Validate() error {
	if a.Address == "" {
		return errors.New("address is required")
	}
	if _, err := netip.ParseAddr(a.Address); err != nil {
		return fmt.Errorf("address %q: %w", a.Address, err)
	}
	if len(a.Ports) == 0 {
		return errors.New("at least one port is required")
	}
	seen := make(map[int]bool, len(a.Ports))
	for _, port := range a.Ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
		if seen[port] {
			return fmt.Errorf("duplicate port %d", port)
		}
		seen[port] = true
	}
	return nil
}
