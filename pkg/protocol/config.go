package protocol

import (
	"log"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/benbjohnson/clock"
)

// Config holds engine configuration
type Config struct {
	PRNG   crypto.PRNG
	Clock  clock.Clock
	Logger *log.Logger

	// DispatchInterval is how often Run hands off due outbox entries
	DispatchInterval time.Duration
	// GCInterval is how often Run collects garbage
	GCInterval time.Duration
	// DigestRetention is how long consumed message digests are kept
	DigestRetention time.Duration
	// FinishedRetention is how long finished instance rows stay inspectable
	// before they shrink to permanent finished markers
	FinishedRetention time.Duration
	// BatchSize bounds the outbox entries handed off per dispatch pass
	BatchSize int
	// RetryBackoff is the delay before a failed hand-off is retried, doubled per attempt
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// BeforeCommit, when set, runs after a step and before its transaction
	// commits. Returning an error rolls the step back.
	BeforeCommit func(key InstanceKey, step string) error
	// AfterCommit, when set, is called once a step committed with the number
	// of outgoing messages it queued
	AfterCommit func(key InstanceKey, step string, outgoing int)
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		PRNG:              crypto.SystemPRNG(),
		Clock:             clock.New(),
		Logger:            log.Default(),
		DispatchInterval:  time.Second,
		GCInterval:        10 * time.Minute,
		DigestRetention:   30 * 24 * time.Hour,
		FinishedRetention: 30 * 24 * time.Hour,
		BatchSize:         100,
		RetryBackoff:      5 * time.Second,
		MaxRetryBackoff:   10 * time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PRNG == nil {
		out.PRNG = d.PRNG
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	if out.DispatchInterval <= 0 {
		out.DispatchInterval = d.DispatchInterval
	}
	if out.GCInterval <= 0 {
		out.GCInterval = d.GCInterval
	}
	if out.DigestRetention <= 0 {
		out.DigestRetention = d.DigestRetention
	}
	if out.FinishedRetention <= 0 {
		out.FinishedRetention = d.FinishedRetention
	}
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = d.RetryBackoff
	}
	if out.MaxRetryBackoff <= 0 {
		out.MaxRetryBackoff = d.MaxRetryBackoff
	}
	return &out
}

func (c *Config) backoff(attempts int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempts && d < c.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryBackoff)
}
