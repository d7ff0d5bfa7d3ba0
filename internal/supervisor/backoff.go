package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for respawn delays.
type BackoffConfig struct {
	Initial    time.Duration // First respawn delay (default: 5s)
	Max        time.Duration // Maximum respawn delay (default: 1m)
	Multiplier float64       // Growth per consecutive failure (default: 1.7)
	JitterPct  float64       // Jitter as a fraction of the delay (default: 0.2 = ±10%)
}

// DefaultBackoffConfig returns the default respawn policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    5 * time.Second,
		Max:        time.Minute,
		Multiplier: 1.7,
		JitterPct:  0.2,
	}
}

// Backoff calculates exponential respawn delays with jitter.
// Not safe for concurrent use; owned by one Supervisor.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff. The same seed yields the same jitter
// sequence.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// BackoffResetThreshold is the minimum uptime after which a run counts as
// stable and the next respawn starts again from the initial delay.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether the backoff should restart from the initial
// delay. A nil exitStatus means the child was killed by a signal.
func ShouldReset(uptime time.Duration, exitStatus *int) bool {
	if uptime >= BackoffResetThreshold {
		return true
	}
	return exitStatus != nil && *exitStatus == 0
}
