package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler's run admission and completion policy
type Config struct {
	// Budget requested from the host and the cap applied to what it grants
	Budget time.Duration `toml:"budget"`

	// Whether runs should only begin while the network is reachable
	RequiresConnectivity bool `toml:"requires_connectivity"`

	// Number of Failed metric results a run may have and still be Completed
	FailureThreshold int `toml:"failure_threshold"`

	// Upper bound on waiting for the executor to settle before archiving
	SettleTimeout time.Duration `toml:"settle_timeout"`
}

// DefaultConfig returns scheduler defaults
func DefaultConfig() Config {
	return Config{
		Budget:               30 * time.Second,
		RequiresConnectivity: true,
		FailureThreshold:     0,
		SettleTimeout:        5 * time.Second,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Budget <= 0 {
		return fmt.Errorf("Budget must be positive, got %v", config.Budget)
	}

	if config.FailureThreshold < 0 {
		return fmt.Errorf("FailureThreshold must not be negative, got %d", config.FailureThreshold)
	}

	if config.SettleTimeout <= 0 {
		return fmt.Errorf("SettleTimeout must be positive, got %v", config.SettleTimeout)
	}

	return nil
}

// grantedBudget caps the host's grant by the configured budget
func (c Config) grantedBudget(granted time.Duration) time.Duration {
	if granted <= 0 || granted > c.Budget {
		return c.Budget
	}
	return granted
}
