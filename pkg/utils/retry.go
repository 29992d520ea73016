package utils //nolint:revive // utils is a standard package name

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialWait time.Duration `mapstructure:"initial_wait" yaml:"initial_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// DefaultRetryConfig is used when a component is configured without retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     30 * time.Second,
}

// OrDefault returns the config, or DefaultRetryConfig when MaxAttempts is unset
func (c RetryConfig) OrDefault() RetryConfig {
	if c.MaxAttempts <= 0 {
		return DefaultRetryConfig
	}
	if c.InitialWait <= 0 {
		c.InitialWait = DefaultRetryConfig.InitialWait
	}
	if c.MaxWait < c.InitialWait {
		c.MaxWait = c.InitialWait
	}
	return c
}

// NewBackOff builds an exponential backoff bounded by the config's attempts and wait cap
func (c RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	c = c.OrDefault()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialWait
	exp.MaxInterval = c.MaxWait
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}

// WithRetry executes an operation with retry logic based on the provided configuration.
// Errors wrapped with Permanent are returned without further attempts.
func WithRetry(ctx context.Context, cfg RetryConfig, operation func() error) error {
	return backoff.Retry(operation, cfg.NewBackOff(ctx))
}

// WithRetryNotify is WithRetry with a callback invoked before every wait
func WithRetryNotify(ctx context.Context, cfg RetryConfig, operation func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(operation, cfg.NewBackOff(ctx), notify)
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	return backoff.Permanent(err)
}
