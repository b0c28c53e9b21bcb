package ingest

import "time"

// Config holds webhook endpoint settings.
type Config struct {
	Secret string `env:"WEBHOOK_SECRET"`
	// AllowUnverified accepts notifications when no secret is configured.
	// Ignored in production.
	AllowUnverified bool          `env:"WEBHOOK_ALLOW_UNVERIFIED" envDefault:"false"`
	MaxAge          time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"0s"`
	ProcessTimeout  time.Duration `env:"WEBHOOK_PROCESS_TIMEOUT" envDefault:"5s"`
	MaxBodyBytes    int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
}
