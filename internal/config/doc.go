// Package config loads storq node configuration.
//
// Precedence is defaults, then file, then environment:
//
//	cfg, err := config.Load("/etc/storq.yaml") // Default() when path is empty
//	if err == nil {
//	    err = config.FromEnv(&cfg)
//	}
//	if err == nil {
//	    err = cfg.Validate()
//	}
//
// Files are YAML or JSON by extension. Environment variables use the
// STORQ_ prefix (STORQ_STORE_URL, STORQ_LOG_LEVEL, STORQ_VISIBILITY_TIMEOUT,
// ...). Durations accept either Go duration strings or bare milliseconds.
package config
