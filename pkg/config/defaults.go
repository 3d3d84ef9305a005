package config

// DefaultConfig returns the built-in configuration. User YAML merges on top;
// any field left unset keeps the value below.
func DefaultConfig() *Config {
	cacheEnabled := true
	redactEnabled := true
	return &Config{
		ProjectCode: "PRJ",

		ProviderKind: ProviderKindMock,

		AITimeoutS:         90,
		AIRateRPM:          50,
		AIRateTPM:          40000,
		AIBreakerThreshold: 3,
		AIBreakerRecoveryS: 120,
		AIMaxRetries:       3,

		MaxConcurrentSubsystems: 4,
		MaxConcurrentModules:    3,
		MaxConcurrentFunctions:  10,
		AnalysisDeadlineS:       3600,

		SourceExtensions: []string{".go"},

		CacheEnabled:   &cacheEnabled,
		CachePruneAgeH: 720,

		StorePath: "cardinal.db",

		ListenAddr:   ":8085",
		EventBacklog: 256,

		RedactEnabled: &redactEnabled,

		JanitorIntervalM: 60,
	}
}
