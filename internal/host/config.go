package host

import (
	"fmt"
	"time"
)

// Config defines how the local deferred-execution facility schedules tasks
type Config struct {
	// Delay between submit and the earliest begin
	EarliestBeginDelay time.Duration `toml:"earliest_begin_delay"`

	// Budget granted to a task when it begins
	Budget time.Duration `toml:"budget"`

	// How often an unmet connectivity precondition is re-checked
	ConnectivityPoll time.Duration `toml:"connectivity_poll"`

	// Address dialed by the default connectivity check (host:port)
	DialAddress string        `toml:"dial_address"`
	DialTimeout time.Duration `toml:"dial_timeout"`

	// Reschedule backoff after a failed or expired task
	RetryInitial time.Duration `toml:"retry_initial"`
	RetryMax     time.Duration `toml:"retry_max"`
}

// DefaultConfig returns local host defaults
func DefaultConfig() Config {
	return Config{
		EarliestBeginDelay: 5 * time.Second,
		Budget:             30 * time.Second,
		ConnectivityPoll:   15 * time.Second,
		DialTimeout:        3 * time.Second,
		RetryInitial:       30 * time.Second,
		RetryMax:           15 * time.Minute,
	}
}

// validateConfig validates host configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.EarliestBeginDelay < 0 {
		return fmt.Errorf("EarliestBeginDelay must not be negative, got %v", config.EarliestBeginDelay)
	}

	if config.Budget <= 0 {
		return fmt.Errorf("Budget must be positive, got %v", config.Budget)
	}

	if config.ConnectivityPoll <= 0 {
		return fmt.Errorf("ConnectivityPoll must be positive, got %v", config.ConnectivityPoll)
	}

	if config.DialTimeout <= 0 {
		return fmt.Errorf("DialTimeout must be positive, got %v", config.DialTimeout)
	}

	if config.RetryInitial <= 0 {
		return fmt.Errorf("RetryInitial must be positive, got %v", config.RetryInitial)
	}

	if config.RetryMax < config.RetryInitial {
		return fmt.Errorf("RetryMax (%v) must be at least RetryInitial (%v)", config.RetryMax, config.RetryInitial)
	}

	return nil
}
