package dispatcher

import (
	"time"

	"jobengine/internal/config"
	"jobengine/pkg/backoff"
)

// Circuit defaults. These rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	breakerIdleTTL          = time.Hour
)

// Config holds configuration for the callback dispatcher.
type Config struct {
	BufferSize  int           // pending events across all workers (default: 10000)
	Workers     int           // delivery goroutines, one queue each (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3)
	Backoff     backoff.Config

	BreakerThreshold int           // consecutive failures before a destination is blocked
	BreakerCooldown  time.Duration // how long a blocked destination waits for a probe
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("CALLBACK_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("CALLBACK_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("CALLBACK_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("CALLBACK_MAX_RETRIES", 3),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("CALLBACK_BACKOFF_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("CALLBACK_BACKOFF_MAX", 5*time.Second),
			Jitter:  0.2,
		},
		BreakerThreshold: config.GetIntEnv("CALLBACK_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("CALLBACK_BREAKER_COOLDOWN", defaultBreakerCooldown),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}

// shardSize is the buffer of each worker queue.
func (c Config) shardSize() int {
	return max(1, c.BufferSize/c.Workers)
}
