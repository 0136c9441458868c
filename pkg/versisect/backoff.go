package versisect

import (
	"context"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
)

// BackoffConfig configures how often and how patiently an operation is retried, e.g. waiting for the docker daemon
type BackoffConfig struct {
	Retries int `yaml:"retries" mapstructure:"retries" default:"10"` // How many times the operation is tried until it is considered to have failed

	Backoff time.Duration `yaml:"backoff" mapstructure:"backoff" default:"1s"` // How long to wait between each retry

	BackoffIncrement time.Duration `yaml:"backoffIncrement" mapstructure:"backoff_increment" default:"100ms"` // By how much to increment the backoff on each failed attempt
	MaxBackoff       time.Duration `yaml:"maxBackoff" mapstructure:"max_backoff" default:"2s"`               // The maximum the backoff may reach after incrementing
}

// withDefaults returns the config with all zero fields set to their defaults
func (c BackoffConfig) withDefaults() BackoffConfig {
	if err := defaults.Set(&c); err != nil {
		// Only fails for malformed default tags
		panic(err)
	}
	return c
}

// retry calls op until it succeeds, the retries are exhausted or ctx is done.
// The error of the last attempt is returned.
func (c BackoffConfig) retry(ctx context.Context, log *logrus.Entry, op func() error) error {
	var lastErr error

	backoff := c.Backoff
	for i := 0; i < c.Retries; i++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}

		// Manage backoff
		if i != c.Retries-1 {
			log.Debugf("Attempt %d of %d failed, retrying in %s - %v", i+1, c.Retries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff += c.BackoffIncrement
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
		}
	}

	return lastErr
}
