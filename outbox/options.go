package outbox

import (
	"time"

	"github.com/craterlabs/tract"
)

// Options holds the recognized outbox configuration.
type Options struct {
	// MaxContentSize is the encoded-content size ceiling in bytes.
	MaxContentSize int

	// MessageExpiration is how long a retryable message may keep failing
	// before it is classified as permanently failed.
	MessageExpiration time.Duration

	// RetryDelay is the delivery worker's wait after the first failed
	// pass. It doubles on consecutive failures up to MaxRetryDelay and
	// resets on success.
	RetryDelay time.Duration

	// MaxRetryDelay caps the doubling retry delay.
	MaxRetryDelay time.Duration

	// HealthyMessageLimit is the outstanding-message count above which
	// health checks start reporting degraded.
	HealthyMessageLimit int
}

// OptionsFromConfig derives the outbox options from the platform
// config.
func OptionsFromConfig(cfg tract.Config) Options {
	return Options{
		MaxContentSize:      cfg.MaxContentSize,
		MessageExpiration:   cfg.MessageExpiration,
		RetryDelay:          cfg.RetryDelay,
		MaxRetryDelay:       cfg.MaxRetryDelay,
		HealthyMessageLimit: cfg.HealthyMessageLimit,
	}
}

// DefaultOptions returns the options derived from tract.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(tract.DefaultConfig())
}
