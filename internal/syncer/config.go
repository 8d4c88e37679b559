package syncer

import (
	"fmt"
	"time"
)

// Config defines buffering for run archive writes
type Config struct {
	// Maximum buffered run records before Buffer reports an error
	MaxBufferedRecords int `toml:"max_buffered_records"`

	// Channel buffer size between the buffer and the writer goroutine
	ChannelSize int `toml:"channel_size"`

	// Flushing is size OR time triggered
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns syncer defaults sized for a handful of runs per hour
func DefaultConfig() Config {
	return Config{
		MaxBufferedRecords: 1000,
		ChannelSize:        50,
		FlushThreshold:     10,
		FlushInterval:      5 * time.Second,
	}
}

// validateConfig validates syncer configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.MaxBufferedRecords <= 0 {
		return fmt.Errorf("MaxBufferedRecords must be positive, got %d", config.MaxBufferedRecords)
	}

	if config.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", config.ChannelSize)
	}

	if config.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", config.FlushThreshold)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	return nil
}
