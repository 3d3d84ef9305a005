package config

import (
	"time"
)

// Provider kinds selectable via provider_kind.
const (
	ProviderKindVendorA       = "vendor_a"
	ProviderKindVendorBCompat = "vendor_b_compatible"
	ProviderKindMock          = "mock"
)

// Fixed per-attempt deadlines for non-AI upstreams. AI deadlines come from
// ai_timeout_s.
const (
	VCSTimeout   = 30 * time.Second
	StoreTimeout = 5 * time.Second
)

// Config is the umbrella configuration object returned by Initialize and
// passed through the application by dependency injection. Field names mirror
// the keys of cardinal.yaml.
type Config struct {
	configPath string // Path the config was loaded from (for reference)

	// Card identity
	ProjectCode string `yaml:"project_code"`

	// Provider selection
	ProviderKind      string `yaml:"provider_kind"`
	ProviderModel     string `yaml:"provider_model"`
	ProviderBaseURL   string `yaml:"provider_base_url"`
	ProviderAPIKeyEnv string `yaml:"provider_api_key_env"`

	// Resilience envelope tuning
	AITimeoutS         int `yaml:"ai_timeout_s"`
	AIRateRPM          int `yaml:"ai_rate_rpm"`
	AIRateTPM          int `yaml:"ai_rate_tpm"`
	AIBreakerThreshold int `yaml:"ai_breaker_threshold"`
	AIBreakerRecoveryS int `yaml:"ai_breaker_recovery_s"`
	AIMaxRetries       int `yaml:"ai_max_retries"`

	// Orchestrator bounds
	MaxConcurrentSubsystems int `yaml:"max_concurrent_subsystems"`
	MaxConcurrentModules    int `yaml:"max_concurrent_modules"`
	MaxConcurrentFunctions  int `yaml:"max_concurrent_functions"`
	AnalysisDeadlineS       int `yaml:"analysis_deadline_s"`

	// Analysis input selection
	SourceExtensions []string `yaml:"source_extensions"`

	// Cache behavior. Pointers distinguish "set to false" from "unset" when
	// merging user YAML over defaults.
	CacheEnabled   *bool `yaml:"cache_enabled"`
	CachePruneAgeH int   `yaml:"cache_prune_age_h"`

	// Persistence
	StorePath string `yaml:"store_path"`

	// HTTP surface
	ListenAddr   string `yaml:"listen_addr"`
	EventBacklog int    `yaml:"event_backlog"`

	// Prompt hygiene
	RedactEnabled *bool `yaml:"redact_enabled"`

	// Background maintenance
	JanitorIntervalM int `yaml:"janitor_interval_m"`
}

// ConfigPath returns the file the configuration was loaded from, or "" when
// running on pure defaults.
func (c *Config) ConfigPath() string { return c.configPath }

// AITimeout is the per-attempt deadline for provider calls.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutS) * time.Second
}

// BreakerRecovery is the Open -> HalfOpen cool-down.
func (c *Config) BreakerRecovery() time.Duration {
	return time.Duration(c.AIBreakerRecoveryS) * time.Second
}

// AnalysisDeadline is the hard ceiling for one orchestration tree.
func (c *Config) AnalysisDeadline() time.Duration {
	return time.Duration(c.AnalysisDeadlineS) * time.Second
}

// CachePruneAge is the janitor's entry-age threshold.
func (c *Config) CachePruneAge() time.Duration {
	return time.Duration(c.CachePruneAgeH) * time.Hour
}

// JanitorInterval is the period between maintenance sweeps.
func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalM) * time.Minute
}

// CacheOn reports the effective cache_enabled value.
func (c *Config) CacheOn() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}

// RedactOn reports the effective redact_enabled value.
func (c *Config) RedactOn() bool {
	return c.RedactEnabled == nil || *c.RedactEnabled
}

// SourceExtensionSet returns the extension whitelist as a set for lookups.
func (c *Config) SourceExtensionSet() map[string]bool {
	set := make(map[string]bool, len(c.SourceExtensions))
	for _, ext := range c.SourceExtensions {
		set[ext] = true
	}
	return set
}
