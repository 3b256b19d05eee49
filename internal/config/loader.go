package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validStrategies = map[string]bool{
	"": true, "thompson": true, "ucb": true, "greedy": true,
}

var validTiers = map[string]bool{
	"": true, "gold": true, "silver": true, "bronze": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Protocol.MaxFrameBytes <= 0 {
		return fmt.Errorf("protocol.max_frame_bytes must be positive")
	}
	if cfg.Protocol.MaxFragmentBytes > cfg.Protocol.MaxFrameBytes {
		return fmt.Errorf("protocol.max_fragment_bytes exceeds max_frame_bytes")
	}

	if !validStrategies[cfg.Routing.Strategy] {
		return fmt.Errorf("routing.strategy %q: must be thompson, ucb or greedy", cfg.Routing.Strategy)
	}
	if cfg.Routing.ShadowProbability < 0 || cfg.Routing.ShadowProbability > 1 {
		return fmt.Errorf("routing.shadow_probability must be in [0,1]")
	}

	w := cfg.Scheduler.TenantWeights
	if w.Gold <= 0 || w.Silver <= 0 || w.Bronze <= 0 {
		return fmt.Errorf("scheduler.tenant_weights must all be positive")
	}
	if w.Gold < w.Silver || w.Silver < w.Bronze {
		return fmt.Errorf("scheduler.tenant_weights must satisfy gold >= silver >= bronze")
	}

	if cfg.Flow.AIMDBeta <= 0 || cfg.Flow.AIMDBeta >= 1 {
		return fmt.Errorf("flow.aimd_beta must be in (0,1)")
	}
	if cfg.Flow.MinWindow.MaxParallel < 1 {
		return fmt.Errorf("flow.min_window.max_parallel must be at least 1")
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if cfg.Breaker.CooldownInitial > cfg.Breaker.CooldownMax {
		return fmt.Errorf("breaker.cooldown_initial exceeds cooldown_max")
	}

	sum := 0
	for _, p := range cfg.Shutdown.PhasePercents {
		if p < 0 {
			return fmt.Errorf("shutdown.phase_percents must be non-negative")
		}
		sum += p
	}
	if sum != 100 {
		return fmt.Errorf("shutdown.phase_percents must sum to 100, got %d", sum)
	}

	seen := map[string]bool{}
	for _, a := range cfg.Adapters {
		if a.ID == "" {
			return fmt.Errorf("adapter with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate adapter id %q", a.ID)
		}
		seen[a.ID] = true
		if len(a.Models) == 0 {
			return fmt.Errorf("adapter %q advertises no models", a.ID)
		}
	}

	for _, t := range cfg.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		if !validTiers[t.QoS] {
			return fmt.Errorf("tenant %q: invalid qos tier %q", t.ID, t.QoS)
		}
		if !validStrategies[t.Strategy] {
			return fmt.Errorf("tenant %q: invalid strategy %q", t.ID, t.Strategy)
		}
	}

	return nil
}
