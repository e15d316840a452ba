// Package config provides application configuration management.
//
// The config package loads and validates the service configuration from a
// YAML file with environment overrides (prefix WOTBOT_). It covers the MCP
// and HTTP surfaces, sandbox execution limits, per-language import
// allow-lists, tool enablement, the AI backend and the orchestration
// ceilings.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox timeout: %s\n", cfg.GetTimeout())
package config
