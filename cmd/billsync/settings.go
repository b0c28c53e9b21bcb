package main

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billsync/pkg/config"
	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/ingest"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
	"github.com/dmitrymomot/billsync/pkg/redis"
)

type matchSettings struct {
	RecencyWindow       time.Duration `env:"MATCH_RECENCY_WINDOW" envDefault:"30m"`
	CheckoutReuseWindow time.Duration `env:"CHECKOUT_REUSE_WINDOW" envDefault:"30m"`
}

// settings is everything the binary reads from the environment.
type settings struct {
	App       config.App
	HTTP      httpserver.Config
	Postgres  pg.Config
	Redis     redis.Config
	Provider  provider.Config
	Webhook   ingest.Config
	Reconcile reconcile.Config
	Match     matchSettings
	Email     notify.EmailConfig
	AMQP      notify.AMQPConfig
}

type settingsLoader func() (settings, error)

func loadSettings(files ...string) (settings, error) {
	var s settings
	if err := config.LoadFiles(&s, files...); err != nil {
		return settings{}, err
	}
	return s, nil
}

func newLogger(s settings) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(s.App.Env, s.App.Name),
		logger.WithLevelName(s.App.LogLevel),
	)
}
