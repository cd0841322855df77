// Package config provides configuration structures and loading logic for the
// relay broker and agent.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const envPrefix = "RELAY_"

// load reads path into cfg. An empty path leaves the defaults untouched.
func load(path string, cfg any) error {
	if path == "" {
		return nil
	}
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func envString(name string, dst *string) {
	if val := os.Getenv(envPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(envPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(envPrefix + name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(envPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// envList splits a comma separated variable.
func envList(name string, dst *[]string) {
	val := os.Getenv(envPrefix + name)
	if val == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func applyLoggingEnv(cfg *logging.Config) {
	envString("LOG_LEVEL", &cfg.Level)
	envBool("LOG_PRETTY", &cfg.Pretty)
}

func applyTelemetryEnv(cfg *telemetry.Config) {
	envString("OTLP_ENDPOINT", &cfg.Endpoint)
	envBool("OTLP_INSECURE", &cfg.Insecure)
	envString("ENVIRONMENT", &cfg.Environment)
}

func validateLogging(cfg *logging.Config) error {
	if strings.TrimSpace(cfg.Level) == "" {
		cfg.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(cfg.Level))
	switch level {
	case "debug", "info", "warn", "error":
		cfg.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", cfg.Level)
	}
}

func validateTelemetry(cfg *telemetry.Config, service string) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = service
	}
	if cfg.Endpoint != "" {
		if _, _, err := net.SplitHostPort(cfg.Endpoint); err != nil {
			return fmt.Errorf("endpoint %q: %w", cfg.Endpoint, err)
		}
	}
	return nil
}

// validateAddress accepts host:port with an optional host. An empty address
// is allowed only when optional is set.
func validateAddress(name, addr string, optional bool) error {
	if addr == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%s is required", name)
	}
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", name, addr, err)
	} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("%s %q: invalid port", name, addr)
	}
	return nil
}
