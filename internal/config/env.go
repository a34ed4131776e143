package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays STORQ_* environment variables onto cfg. Scalar knobs
// only: queue declarations and the schedule table stay file-side, but the
// Defaults baseline is fully addressable (STORQ_VISIBILITY_TIMEOUT,
// STORQ_ORDERING_GUARANTEE, and friends).
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "STORQ_"}); err != nil {
		return fmt.Errorf("environment overlay: %w", err)
	}
	return nil
}
