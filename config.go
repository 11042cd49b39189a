package tract

import "time"

// Config holds the recognized platform-level options.
type Config struct {
	// LongPollTimeout bounds how long a GetNewerRevision call blocks
	// before returning a distinguishable "timed out" change.
	LongPollTimeout time.Duration

	// BuildCleanupAge is the grace window after which a build that never
	// reached "successfully started" is deleted by the cleanup sweep.
	BuildCleanupAge time.Duration

	// OutboxDir is the directory for large message payloads stored as
	// side-channel files named by message id.
	OutboxDir string

	// MaxContentSize is the outbox message size ceiling in bytes.
	MaxContentSize int

	// MessageExpiration is how long a retryable outbox message may keep
	// failing before it is classified as permanently failed.
	MessageExpiration time.Duration

	// RetryDelay is the delivery worker's wait after a failed pass. It
	// doubles on consecutive failures up to MaxRetryDelay.
	RetryDelay time.Duration

	// MaxRetryDelay caps the doubling retry delay.
	MaxRetryDelay time.Duration

	// HealthyMessageLimit is the outstanding-message count above which
	// consecutive health checks report degraded, then unhealthy.
	HealthyMessageLimit int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LongPollTimeout:     40 * time.Second,
		BuildCleanupAge:     2 * time.Minute,
		OutboxDir:           "outbox",
		MaxContentSize:      1_000_000,
		MessageExpiration:   48 * time.Hour,
		RetryDelay:          30 * time.Second,
		MaxRetryDelay:       15 * time.Minute,
		HealthyMessageLimit: 15,
	}
}
