package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "WAYFARE_CONFIG"
	EnvDataDir = "WAYFARE_DATA_DIR"
	EnvBaseURL = "WAYFARE_BASE_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // WAYFARE_CONFIG: override config file path
	DataDir    string // WAYFARE_DATA_DIR: state directory override
	BaseURL    string // WAYFARE_BASE_URL: remote service override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		BaseURL:    os.Getenv(EnvBaseURL),
	}
}
