package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "GRAPHDRIVE_CONFIG"
	EnvTenantID     = "GRAPHDRIVE_TENANT_ID"
	EnvClientID     = "GRAPHDRIVE_CLIENT_ID"
	EnvClientSecret = "GRAPHDRIVE_CLIENT_SECRET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // GRAPHDRIVE_CONFIG: override config file path
	TenantID     string
	ClientID     string
	ClientSecret string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		TenantID:     os.Getenv(EnvTenantID),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
}
