package livestatus

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultBaseDelay            = 1 * time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxAttempts          = 5
	DefaultPollInterval         = 10 * time.Second
	DefaultOpenTimeout          = 10 * time.Second
	DefaultFetchTimeout         = 10 * time.Second
	DefaultMaxConcurrentFetches = 4
	DefaultRecentEventLimit     = 50
	DefaultRecentEventTTL       = 10 * time.Minute
)

// Config holds the tunables of the delivery client. Zero fields take the
// defaults above; see WithDefaults.
type Config struct {
	// BaseDelay is the first reconnect delay.
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	// MaxDelay caps the doubled reconnect delay.
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// MaxAttempts is the number of failed reopen attempts before falling back to polling.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// PollInterval is the fixed polling period once fallen back.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// OpenTimeout bounds a push open; expiry counts as an open failure.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	// FetchTimeout bounds a single poll fetch.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	// MaxConcurrentFetches bounds in-flight poll fetches across all subjects.
	MaxConcurrentFetches int `mapstructure:"max_concurrent_fetches" yaml:"max_concurrent_fetches"`
	// PushProbeInterval, when positive, retries the push transport periodically
	// while polling. Zero never leaves polling until the subject is detached.
	PushProbeInterval time.Duration `mapstructure:"push_probe_interval" yaml:"push_probe_interval"`
	// RecentEventLimit bounds the discrete events a View retains.
	RecentEventLimit int `mapstructure:"recent_event_limit" yaml:"recent_event_limit"`
	// RecentEventTTL expires discrete events from a View.
	RecentEventTTL time.Duration `mapstructure:"recent_event_ttl" yaml:"recent_event_ttl"`
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxConcurrentFetches == 0 {
		c.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	}
	if c.RecentEventLimit == 0 {
		c.RecentEventLimit = DefaultRecentEventLimit
	}
	if c.RecentEventTTL == 0 {
		c.RecentEventTTL = DefaultRecentEventTTL
	}
	return c
}

// Validate rejects configurations the supervisor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max_delay (%s) must be >= base_delay (%s)", c.MaxDelay, c.BaseDelay))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must not be negative, got %d", c.MaxAttempts))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.OpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("open_timeout must be positive, got %s", c.OpenTimeout))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout))
	}
	if c.MaxConcurrentFetches <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_fetches must be positive, got %d", c.MaxConcurrentFetches))
	}
	if c.PushProbeInterval < 0 {
		errs = append(errs, fmt.Errorf("push_probe_interval must not be negative, got %s", c.PushProbeInterval))
	}
	if c.RecentEventLimit <= 0 {
		errs = append(errs, fmt.Errorf("recent_event_limit must be positive, got %d", c.RecentEventLimit))
	}
	if c.RecentEventTTL <= 0 {
		errs = append(errs, fmt.Errorf("recent_event_ttl must be positive, got %s", c.RecentEventTTL))
	}
	return errors.Join(errs...)
}

// backoffDelay returns the delay scheduled for reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func (c Config) backoffDelay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
