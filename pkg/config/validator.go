package config

import (
	"fmt"
	"strings"
)

// validate performs comprehensive validation (fail-fast, stops at the first
// error) on loaded configuration.
func validate(cfg *Config) error {
	switch cfg.ProviderKind {
	case ProviderKindVendorA, ProviderKindVendorBCompat, ProviderKindMock:
	default:
		return NewValidationError("provider_kind",
			fmt.Errorf("%w: %q (want %s, %s, or %s)", ErrInvalidValue,
				cfg.ProviderKind, ProviderKindVendorA, ProviderKindVendorBCompat, ProviderKindMock))
	}

	if cfg.ProviderKind != ProviderKindMock && cfg.ProviderModel == "" {
		return NewValidationError("provider_model", ErrMissingRequiredField)
	}

	positives := []struct {
		field string
		value int
	}{
		{"ai_timeout_s", cfg.AITimeoutS},
		{"ai_rate_rpm", cfg.AIRateRPM},
		{"ai_rate_tpm", cfg.AIRateTPM},
		{"ai_breaker_threshold", cfg.AIBreakerThreshold},
		{"ai_breaker_recovery_s", cfg.AIBreakerRecoveryS},
		{"ai_max_retries", cfg.AIMaxRetries},
		{"max_concurrent_subsystems", cfg.MaxConcurrentSubsystems},
		{"max_concurrent_modules", cfg.MaxConcurrentModules},
		{"max_concurrent_functions", cfg.MaxConcurrentFunctions},
		{"analysis_deadline_s", cfg.AnalysisDeadlineS},
		{"event_backlog", cfg.EventBacklog},
		{"janitor_interval_m", cfg.JanitorIntervalM},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return NewValidationError(p.field,
				fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, p.value))
		}
	}

	if cfg.CachePruneAgeH < 0 {
		return NewValidationError("cache_prune_age_h",
			fmt.Errorf("%w: must be non-negative, got %d", ErrInvalidValue, cfg.CachePruneAgeH))
	}

	if cfg.StorePath == "" {
		return NewValidationError("store_path", ErrMissingRequiredField)
	}
	if cfg.ProjectCode == "" {
		return NewValidationError("project_code", ErrMissingRequiredField)
	}

	if len(cfg.SourceExtensions) == 0 {
		return NewValidationError("source_extensions", ErrMissingRequiredField)
	}
	for _, ext := range cfg.SourceExtensions {
		if !strings.HasPrefix(ext, ".") {
			return NewValidationError("source_extensions",
				fmt.Errorf("%w: extension %q must start with a dot", ErrInvalidValue, ext))
		}
	}

	return nil
}
