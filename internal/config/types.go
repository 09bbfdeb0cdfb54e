package config

// PoolConfig controls provider fan-out and per-call resilience.
type PoolConfig struct {
	FanOut             int     `json:"fan_out"`              // Providers invoked per dispatch round (0 = all enabled)
	MaxConcurrency     int     `json:"max_concurrency"`      // Global cap on in-flight provider calls
	CallTimeoutSeconds int     `json:"call_timeout_seconds"` // Deadline for each provider attempt
	RetryAttempts      int     `json:"retry_attempts"`       // Extra attempts per provider call
	RetryStaggerMS     int     `json:"retry_stagger_ms"`     // Fixed delay between attempts
	BudgetCeiling      float64 `json:"budget_ceiling"`       // Estimated spend allowed per round (0 = unlimited)
}

// ConsensusConfig controls how responses from a round are compared.
type ConsensusConfig struct {
	MajorityThreshold float64 `json:"majority_threshold"` // Fraction of responses the largest group must reach
	MinResponses      int     `json:"min_responses"`      // Below this the round degrades instead of voting
}

// RunnerConfig controls graph execution.
type RunnerConfig struct {
	WaveConcurrency            int     `json:"wave_concurrency"`             // Nodes executed in parallel within a wave
	DefaultMaxRetries          int     `json:"default_max_retries"`          // Node retry allowance when the task omits one
	DefaultConfidenceThreshold float64 `json:"default_confidence_threshold"` // Consensus confidence in [0,1] a result must reach
}

// ProviderConfig declares one model endpoint available to the pool.
// Providers are separate from stations -- several stations can route to
// the same provider.
type ProviderConfig struct {
	Enabled     bool     `json:"enabled"`
	CostPerCall float64  `json:"cost_per_call,omitempty"` // Estimated dollars per invocation
	Specialties []string `json:"specialties,omitempty"`   // Task types this provider is preferred for
	Weight      float64  `json:"weight,omitempty"`        // Static ranking multiplier (defaults to 1)
}

// AuditConfig controls dispatch round persistence.
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // SQLite file, resolved under ~/.concord when empty
}

// Config is the top-level configuration.
type Config struct {
	Pool      PoolConfig                `json:"pool"`
	Consensus ConsensusConfig           `json:"consensus"`
	Runner    RunnerConfig              `json:"runner"`
	Providers map[string]ProviderConfig `json:"providers"`
	Stations  map[string]string         `json:"stations,omitempty"` // Task type -> station overrides
	Audit     AuditConfig               `json:"audit"`
}
