// Package ratelimitconfig loads the rate limiter's environment-configurable
// knobs through the shared pkg/config loader.
package ratelimitconfig

import (
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/config"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/multi"
)

// Config is the full set of options an embedder can set via environment
// variables or a .env file instead of wiring Go literals. Every field maps
// onto a constructor option exposed somewhere under pkg/ratelimit.
type Config struct {
	DefaultAlgorithm string        `env:"RATELIMIT_DEFAULT_ALGORITHM" env-default:"fixed" validate:"oneof=fixed sliding token_bucket"`
	DefaultLimit     int64         `env:"RATELIMIT_DEFAULT_LIMIT" env-default:"100" validate:"gt=0"`
	DefaultPeriod    time.Duration `env:"RATELIMIT_DEFAULT_PERIOD" env-default:"1m" validate:"gte=1s"`
	AlignToClock     bool          `env:"RATELIMIT_ALIGN_TO_CLOCK" env-default:"true"`
	FailOpen         bool          `env:"RATELIMIT_FAIL_OPEN" env-default:"false"`
	BlockOnExceed    bool          `env:"RATELIMIT_BLOCK_ON_EXCEED" env-default:"false"`

	MemoryMaxKeys         int           `env:"RATELIMIT_MEMORY_MAX_KEYS" env-default:"10000" validate:"gt=0"`
	MemoryCleanupInterval time.Duration `env:"RATELIMIT_MEMORY_CLEANUP_INTERVAL" env-default:"30s" validate:"gte=1s"`
	MemoryMinRetain       time.Duration `env:"RATELIMIT_MEMORY_MIN_RETAIN" env-default:"1s"`

	RemoteAddr        string        `env:"RATELIMIT_REMOTE_ADDR" env-default:"localhost:6379"`
	RemoteKeyPrefix   string        `env:"RATELIMIT_REMOTE_KEY_PREFIX" env-default:"rl"`
	RemoteCallTimeout time.Duration `env:"RATELIMIT_REMOTE_CALL_TIMEOUT" env-default:"100ms" validate:"gte=1ms"`

	MultiStrategy string `env:"RATELIMIT_MULTI_STRATEGY" env-default:"first_healthy" validate:"oneof=first_healthy round_robin"`

	BreakerFailureThreshold int           `env:"RATELIMIT_BREAKER_FAILURE_THRESHOLD" env-default:"5" validate:"gt=0"`
	BreakerFailureWindow    time.Duration `env:"RATELIMIT_BREAKER_FAILURE_WINDOW" env-default:"60s" validate:"gte=1s"`
	BreakerOpenDuration     time.Duration `env:"RATELIMIT_BREAKER_OPEN_DURATION" env-default:"30s" validate:"gte=1s"`

	HealthCheckInterval time.Duration `env:"RATELIMIT_HEALTH_CHECK_INTERVAL" env-default:"15s" validate:"gte=1s"`
	HealthProbeTimeout  time.Duration `env:"RATELIMIT_HEALTH_PROBE_TIMEOUT" env-default:"2s" validate:"gte=1ms"`
	HealthWorkers       int           `env:"RATELIMIT_HEALTH_WORKERS" env-default:"4" validate:"gt=0"`

	AsyncWorkers int `env:"RATELIMIT_ASYNC_WORKERS" env-default:"4" validate:"gt=0"`
}

// Load reads Config from the environment (and .env, if present) and
// validates it.
func Load() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MultiStrategyValue converts the validated MultiStrategy string into the
// multi.Strategy enum multi.Backend expects. Load's "oneof" tag already
// guarantees one of the two recognized values, so the fallback below is
// unreachable in practice, not a silent default for bad input.
func (c Config) MultiStrategyValue() multi.Strategy {
	if c.MultiStrategy == "round_robin" {
		return multi.RoundRobin
	}
	return multi.FirstHealthy
}
