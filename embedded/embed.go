package embedded

import (
	_ "embed"
)

//go:embed wotad.toml
var defaultConfig string

// DefaultConfig returns the built-in wotad configuration.
func DefaultConfig() string {
	return defaultConfig
}
