// Package config provides application configuration management.
//
// The config package loads the orchestrator's configuration from YAML files
// and EXECBOX_* environment variables using viper. It covers the intake
// transports, logging, sandbox backend and concurrency settings, submission
// limits, the orphan reaper, named resource profiles and per-language images.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
