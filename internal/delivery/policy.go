package delivery

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ceotr/form-relay/internal/config"
)

// Policy bounds the attempts made on each transport.
type Policy struct {
	// MaxAttempts is the number of tries per transport, first try included.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. It doubles after
	// every further failure.
	BaseDelay time.Duration
	// MaxDelay caps the wait between two attempts.
	MaxDelay time.Duration
	// AttemptTimeout bounds a single Send call.
	AttemptTimeout time.Duration
}

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 5 * time.Second
	DefaultAttemptTimeout = 15 * time.Second
)

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// PolicyFromConfig converts the delivery section of the configuration.
func PolicyFromConfig(cfg config.DeliveryConfig) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// Backoff returns a fresh backoff yielding min(BaseDelay*2^(k-1), MaxDelay)
// before retry k, and stopping after MaxAttempts-1 retries.
func (p Policy) Backoff() retry.Backoff {
	p = p.withDefaults()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}
