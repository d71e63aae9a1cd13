package app

import (
	"fmt"

	"blobfront/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before building long-running components. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("effective config is nil")
	}
	if eff.DataDir == "" {
		return fmt.Errorf("data directory is empty: set -data flag, BLOBFRONT_DATA_DIR env, or server.data_dir in config")
	}
	return config.ValidateConfig(eff)
}
