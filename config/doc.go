// Package config provides application configuration management.
//
// The config package loads the engine configuration from YAML with viper,
// applies EVALBOX_ prefixed environment overrides and validates the
// result. It also converts the tier, language and output sections into
// the types the policy, sandbox and output packages consume.
//
// Usage:
//
//	cfg, err := config.Load("/etc/evalbox/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	limits, _ := cfg.TierLimits()
package config
