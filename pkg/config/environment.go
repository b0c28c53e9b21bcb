package config

import (
	"fmt"
	"strings"
)

// Environment identifies the deployment the process runs in.
// Production turns every permissive escape hatch off.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// ParseEnvironment normalizes common spellings ("prod", "stage", "dev").
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "development", "dev", "local":
		return Development, nil
	case "staging", "stage":
		return Staging, nil
	case "production", "prod":
		return Production, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}

// UnmarshalText lets caarlos0/env decode APP_ENV directly into Environment.
func (e *Environment) UnmarshalText(text []byte) error {
	parsed, err := ParseEnvironment(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Environment) String() string { return string(e) }

func (e Environment) IsProduction() bool { return e == Production }

func (e Environment) IsDevelopment() bool { return e == Development || e == "" }

// App holds process-wide settings shared by every command.
type App struct {
	Name     string      `env:"APP_NAME" envDefault:"billsync"`
	Env      Environment `env:"APP_ENV" envDefault:"development"`
	LogLevel string      `env:"LOG_LEVEL" envDefault:"info"`

	// StorageDriver selects the persistence backend: "postgres" or "memory".
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`

	// ControlToken guards the internal operator API. Empty disables the API.
	ControlToken string `env:"CONTROL_TOKEN"`
}
