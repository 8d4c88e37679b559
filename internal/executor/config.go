package executor

import "fmt"

// Config controls how a run's fetches are fanned out
type Config struct {
	// Maximum number of metric fetches in flight at once
	MaxConcurrency int `toml:"max_concurrency"`
}

// DefaultConfig returns executor defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
	}
}

func validateConfig(config Config) error {
	if config.MaxConcurrency <= 0 {
		return fmt.Errorf("MaxConcurrency must be positive, got %d", config.MaxConcurrency)
	}
	return nil
}
