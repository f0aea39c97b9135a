package config

import (
	"os"
)

const EnvConfigPath = "PROCTOR_CONFIG"

// DeterminePath picks the config file: explicit flag value, then the
// PROCTOR_CONFIG env, then well-known locations. Empty result means
// defaults only.
func DeterminePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := getString(EnvConfigPath, ""); p != "" {
		return p
	}

	candidates := []string{
		"./config.yaml",
		"./config.yml",
		"/etc/proctor-relay/config.yaml",
		"/app/config.yaml", // common in Docker
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
