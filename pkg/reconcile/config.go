package reconcile

import "time"

// Config holds scheduler settings.
type Config struct {
	// Interval between scheduled runs.
	Interval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`
	// Cooldown is the minimum time between the end of one run and the start of a
	// scheduled one. Manual runs ignore it.
	Cooldown time.Duration `env:"RECONCILE_COOLDOWN" envDefault:"5m"`
	// GracePeriod leaves fresh pending subscriptions to the webhook path.
	GracePeriod time.Duration `env:"RECONCILE_GRACE_PERIOD" envDefault:"15m"`
	// Lookback bounds how old a pending subscription or failed event may be.
	Lookback time.Duration `env:"RECONCILE_LOOKBACK" envDefault:"72h"`
	// StaleAfter re-polls linked active and paused subscriptions not synced or
	// checked for this long. Zero disables the refresh pass.
	StaleAfter        time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"24h"`
	ItemDelay         time.Duration `env:"RECONCILE_ITEM_DELAY" envDefault:"250ms"`
	BatchSize         int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`
	ReplayMaxAttempts int           `env:"RECONCILE_REPLAY_MAX_ATTEMPTS" envDefault:"10"`
	LeaseTTL          time.Duration `env:"RECONCILE_LEASE_TTL" envDefault:"2m"`
	LeaseKey          string        `env:"RECONCILE_LEASE_KEY" envDefault:"billsync:reconcile:lease"`
	AutoStart         bool          `env:"RECONCILE_AUTOSTART" envDefault:"true"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Minute,
		Cooldown:          5 * time.Minute,
		GracePeriod:       15 * time.Minute,
		Lookback:          72 * time.Hour,
		StaleAfter:        24 * time.Hour,
		ItemDelay:         250 * time.Millisecond,
		BatchSize:         100,
		ReplayMaxAttempts: 10,
		LeaseTTL:          2 * time.Minute,
		LeaseKey:          "billsync:reconcile:lease",
		AutoStart:         true,
	}
}
