package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Settings are process-level knobs sourced from the environment rather than
// the stack file: where the provisioner runs, not what it provisions.
type Settings struct {
	Region    string `env:"AWS_REGION" envDefault:"us-east-1"`
	StatePath string `env:"EDGEFRONT_STATE_PATH" envDefault:"edgefront.state.json"`
	Debug     bool   `env:"EDGEFRONT_DEBUG" envDefault:"false"`
}

// GetEnvironmentVariables parses T from the process environment.
func GetEnvironmentVariables[T any]() (T, error) {
	var envObj T
	if err := env.Parse(&envObj); err != nil {
		return envObj, fmt.Errorf("parsing environment: %w", err)
	}
	return envObj, nil
}
