// Package config loads wendy configuration from YAML files with
// environment variable overrides.
//
// Three documents exist: CLI settings (~/.wendy/settings.yaml), the agent
// daemon config (/etc/wendy/agent.yaml) and the development cloud config.
// Fields tagged `env` are overridden by that variable when it is set.
package config

import (
	"time"

	"github.com/wendylabs/wendy/internal/issuer"
)

// Settings are the CLI settings.
type Settings struct {
	Cloud   CloudConfig   `yaml:"cloud"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// CloudConfig names the cloud deployment the CLI enrolls with.
type CloudConfig struct {
	DashboardURL string `yaml:"dashboard_url" env:"WENDY_DASHBOARD_URL"`
	GRPCHost     string `yaml:"grpc_host" env:"WENDY_CLOUD_GRPC"`
}

// AuthConfig tunes CLI enrollment.
type AuthConfig struct {
	// EnrollTimeout bounds the browser login wait.
	EnrollTimeout time.Duration `yaml:"enroll_timeout" env:"WENDY_ENROLL_TIMEOUT"`
	// RefreshMargin refreshes certificates this long before notAfter.
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"WENDY_REFRESH_MARGIN"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout" env:"WENDY_RPC_TIMEOUT"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"WENDY_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"WENDY_LOG_PRETTY"`
}

// AgentConfig is the wendy-agent daemon config.
type AgentConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"WENDY_AGENT_LISTEN"`
	StateDir   string `yaml:"state_dir" env:"WENDY_AGENT_STATE_DIR"`
	// CloudHost is used when a provisioning request does not name one.
	CloudHost string        `yaml:"cloud_host" env:"WENDY_CLOUD_GRPC"`
	Refresh   RefreshConfig `yaml:"refresh"`
	Logging   LoggingConfig `yaml:"logging"`
}

// RefreshConfig controls the agent's background certificate refresh.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval" env:"WENDY_AGENT_REFRESH_INTERVAL"`
	Margin   time.Duration `yaml:"margin" env:"WENDY_AGENT_REFRESH_MARGIN"`
}

// DevCloudConfig is the wendy-devcloud config.
type DevCloudConfig struct {
	GRPCAddr      string   `yaml:"grpc_addr" env:"WENDY_DEVCLOUD_GRPC_ADDR"`
	DashboardAddr string   `yaml:"dashboard_addr" env:"WENDY_DEVCLOUD_DASHBOARD_ADDR"`
	StateDir      string   `yaml:"state_dir" env:"WENDY_DEVCLOUD_STATE_DIR"`
	Hosts         []string `yaml:"hosts" env:"WENDY_DEVCLOUD_HOSTS"`

	CertificateValidity time.Duration `yaml:"certificate_validity" env:"WENDY_DEVCLOUD_CERT_VALIDITY"`
	// RefreshGrace lets expired certificates refresh for this long.
	RefreshGrace time.Duration `yaml:"refresh_grace" env:"WENDY_DEVCLOUD_REFRESH_GRACE"`
	TokenTTL     time.Duration `yaml:"token_ttl" env:"WENDY_DEVCLOUD_TOKEN_TTL"`

	Users   []issuer.User `yaml:"users"`
	Logging LoggingConfig `yaml:"logging"`
}

// IssuerConfig converts the file form into the issuer's server config.
func (c *DevCloudConfig) IssuerConfig() issuer.Config {
	return issuer.Config{
		GRPCAddr:      c.GRPCAddr,
		DashboardAddr: c.DashboardAddr,
		StateDir:      c.StateDir,
		Hosts:         c.Hosts,
		Users:         c.Users,
		Policy: issuer.Policy{
			LeafValidity: c.CertificateValidity,
			RefreshGrace: c.RefreshGrace,
		},
		TokenTTL: c.TokenTTL,
	}
}
