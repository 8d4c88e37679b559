package uploader

import (
	"fmt"
	"net/url"
	"time"
)

// Config controls delivery of queued payloads
type Config struct {
	// Endpoint receiving one POST per payload
	Endpoint string `toml:"endpoint"`

	// Optional bearer token sent with every request
	Token string `toml:"token"`

	// Per-request timeout
	Timeout time.Duration `toml:"timeout"`

	// Number of delivery goroutines
	Workers int `toml:"workers"`

	// Network attempts per payload before it is marked failed
	MaxAttempts int `toml:"max_attempts"`

	// Retry backoff bounds
	RetryInitial time.Duration `toml:"retry_initial"`
	RetryMax     time.Duration `toml:"retry_max"`

	// Request rate limit shared by all workers
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`

	// Capacity of the delivery queue and how long a hand-off may wait for space
	QueueSize   int           `toml:"queue_size"`
	SendTimeout time.Duration `toml:"send_timeout"`

	// Maximum number of pending outbox rows picked up per outbox sweep
	ResumeLimit int `toml:"resume_limit"`

	// How often pending rows that are not queued are handed back to the workers
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// DefaultConfig returns uploader defaults
func DefaultConfig() Config {
	return Config{
		Endpoint:      "http://localhost:8000/api/health-temp-data",
		Timeout:       10 * time.Second,
		Workers:       2,
		MaxAttempts:   5,
		RetryInitial:  2 * time.Second,
		RetryMax:      2 * time.Minute,
		RatePerSecond: 5,
		RateBurst:     5,
		QueueSize:     256,
		SendTimeout:   time.Second,
		ResumeLimit:   1000,
		SweepInterval: 30 * time.Second,
	}
}

func validateConfig(config Config) error {
	u, err := url.Parse(config.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("Endpoint must be an absolute URL, got %q", config.Endpoint)
	}

	if config.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", config.Timeout)
	}

	if config.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", config.Workers)
	}

	if config.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", config.MaxAttempts)
	}

	if config.RetryInitial <= 0 {
		return fmt.Errorf("RetryInitial must be positive, got %v", config.RetryInitial)
	}

	if config.RetryMax < config.RetryInitial {
		return fmt.Errorf("RetryMax (%v) must be at least RetryInitial (%v)", config.RetryMax, config.RetryInitial)
	}

	if config.RatePerSecond <= 0 {
		return fmt.Errorf("RatePerSecond must be positive, got %v", config.RatePerSecond)
	}

	if config.RateBurst <= 0 {
		return fmt.Errorf("RateBurst must be positive, got %d", config.RateBurst)
	}

	if config.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive, got %d", config.QueueSize)
	}

	if config.SendTimeout <= 0 {
		return fmt.Errorf("SendTimeout must be positive, got %v", config.SendTimeout)
	}

	if config.ResumeLimit <= 0 {
		return fmt.Errorf("ResumeLimit must be positive, got %d", config.ResumeLimit)
	}

	if config.SweepInterval <= 0 {
		return fmt.Errorf("SweepInterval must be positive, got %v", config.SweepInterval)
	}

	return nil
}
