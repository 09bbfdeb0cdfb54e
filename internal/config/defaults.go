package config

// DefaultConfig returns the default configuration with built-in pool,
// consensus, and runner settings plus three stock providers.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			FanOut:             3,
			MaxConcurrency:     8,
			CallTimeoutSeconds: 30,
			RetryAttempts:      2,
			RetryStaggerMS:     250,
			BudgetCeiling:      0,
		},
		Consensus: ConsensusConfig{
			MajorityThreshold: 0.6,
			MinResponses:      2,
		},
		Runner: RunnerConfig{
			WaveConcurrency:            4,
			DefaultMaxRetries:          2,
			DefaultConfidenceThreshold: 0,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Enabled:     true,
				CostPerCall: 0.03,
				Specialties: []string{"plan", "design", "audit"},
				Weight:      1.0,
			},
			"gpt": {
				Enabled:     true,
				CostPerCall: 0.02,
				Specialties: []string{"build", "test", "optimize"},
				Weight:      1.0,
			},
			"gemini": {
				Enabled:     true,
				CostPerCall: 0.01,
				Specialties: []string{"research", "document"},
				Weight:      0.9,
			},
		},
		Stations: map[string]string{},
		Audit: AuditConfig{
			Enabled: false,
		},
	}
}
