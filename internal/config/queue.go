package config

// Admissible range for QueueConfig.MaxConcurrent. Clamping happens at
// update time so a stored config is always within range.
const (
	MinConcurrent = 1
	MaxConcurrent = 16

	DefaultMaxConcurrent = 3
)

// QueueConfig is the per-project orchestration configuration.
type QueueConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// DefaultQueueConfig returns an enabled queue at the default budget.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Enabled: true, MaxConcurrent: DefaultMaxConcurrent}
}

// Clamp forces MaxConcurrent into the admissible range.
func (c QueueConfig) Clamp() QueueConfig {
	if c.MaxConcurrent < MinConcurrent {
		c.MaxConcurrent = MinConcurrent
	}
	if c.MaxConcurrent > MaxConcurrent {
		c.MaxConcurrent = MaxConcurrent
	}
	return c
}
