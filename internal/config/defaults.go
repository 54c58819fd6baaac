package config

import (
	"fmt"
	"path/filepath"

	"github.com/wendylabs/wendy/internal/constants"
)

// DefaultSettings returns CLI settings pointing at the production cloud.
func DefaultSettings() *Settings {
	return &Settings{
		Cloud: CloudConfig{
			DashboardURL: constants.DefaultDashboardURL,
			GRPCHost:     constants.DefaultCloudGRPCHost,
		},
		Auth: AuthConfig{
			EnrollTimeout: constants.DefaultEnrollTimeout,
			RefreshMargin: constants.DefaultRefreshMargin,
			RPCTimeout:    constants.DefaultRPCTimeout,
		},
		// Commands report progress on stdout; logs stay quiet unless asked.
		Logging: LoggingConfig{Level: "warn", Pretty: true},
	}
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ListenAddr: fmt.Sprintf(":%d", constants.DefaultAgentPort),
		StateDir:   constants.DefaultAgentStateDir,
		CloudHost:  constants.DefaultCloudGRPCHost,
		Refresh: RefreshConfig{
			Interval: constants.DefaultRefreshCheckInterval,
			Margin:   constants.DefaultRefreshMargin,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultDevCloudConfig returns development cloud defaults. State lives
// under home, normally the user's home directory.
func DefaultDevCloudConfig(home string) *DevCloudConfig {
	return &DevCloudConfig{
		GRPCAddr:            constants.DefaultDevCloudGRPCAddr,
		DashboardAddr:       constants.DefaultDevCloudDashboardAddr,
		StateDir:            filepath.Join(home, constants.DefaultDevCloudStateDir),
		Hosts:               []string{"localhost", "127.0.0.1", "::1"},
		CertificateValidity: constants.DefaultCertificateValidity,
		RefreshGrace:        constants.DefaultRefreshMargin,
		TokenTTL:            constants.DefaultEnrollmentTokenTTL,
		Logging:             LoggingConfig{Level: "info", Pretty: true},
	}
}
