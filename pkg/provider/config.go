package provider

import "time"

// Config holds provider API settings loaded from the environment.
type Config struct {
	BaseURL         string        `env:"PROVIDER_BASE_URL"`
	AccessToken     string        `env:"PROVIDER_ACCESS_TOKEN"`
	Timeout         time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"8s"`
	MaxAttempts     int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"3"`
	BackoffInitial  time.Duration `env:"PROVIDER_BACKOFF_INITIAL" envDefault:"200ms"`
	BackoffMax      time.Duration `env:"PROVIDER_BACKOFF_MAX" envDefault:"2s"`
	BreakerFailures uint32        `env:"PROVIDER_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"PROVIDER_BREAKER_TIMEOUT" envDefault:"30s"`
}

// Options converts the config into client options.
func (c Config) Options() []Option {
	return []Option{
		WithAccessToken(c.AccessToken),
		WithTimeout(c.Timeout),
		WithMaxAttempts(c.MaxAttempts),
		WithBackoff(ExponentialBackoff{
			InitialInterval: c.BackoffInitial,
			MaxInterval:     c.BackoffMax,
			Multiplier:      2,
			JitterFactor:    0.2,
		}),
		WithBreaker(c.BreakerFailures, c.BreakerTimeout),
	}
}
