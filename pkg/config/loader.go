package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// Load populates v from the process environment using `env` struct tags.
// The default .env file is read once per process; a missing file is not an error.
//
// Example:
//
//	type ProviderConfig struct {
//		BaseURL string        `env:"PROVIDER_BASE_URL,required"`
//		Timeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"8s"`
//	}
//
//	var cfg ProviderConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// LoadFiles reads the given .env files into the process environment before parsing.
// Variables already present in the environment win over file values.
func LoadFiles[T any](v *T, files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return errors.Join(ErrParsingConfig, err)
		}
	}
	return Load(v)
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
