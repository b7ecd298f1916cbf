// Package config provides environment-based configuration loading and validation.
//
// This package reads configuration from environment variables (and .env files)
// using struct tags, then validates the loaded configuration.
//
// Usage:
//
//	import "github.com/spotflow/device-sdk-go/pkg/config"
//
//	type Overrides struct {
//		Instance string `env:"SPOTFLOW_INSTANCE" env-default:"api.eu1.spotflow.io"`
//	}
//
//	var cfg Overrides
//	if err := config.Load(&cfg); err != nil {
//		...
//	}
package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// Load reads configuration from a .env file or environment variables and validates it.
func Load[T any](cfg *T) error {
	if err := cleanenv.ReadConfig(".env", cfg); err != nil {
		// No .env file; fall back to plain environment variables.
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return errors.Wrap(err, "failed to read env config")
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return errors.New(errors.CodeInvalidArgument, "config validation failed", err)
	}

	return nil
}
