// Package constants defines shared configuration constants.
package constants

var (
	// DefaultDir is the per-user state directory under $HOME.
	DefaultDir = ".wendy"

	// CredentialsFile holds the persisted auth records.
	CredentialsFile = "config.json"

	// SettingsFile holds CLI settings (YAML).
	SettingsFile = "settings.yaml"

	// DefaultAgentConfigPath is the agent daemon config file.
	DefaultAgentConfigPath = "/etc/wendy/agent.yaml"

	// DefaultAgentStateDir is where a provisioned agent keeps its credentials.
	DefaultAgentStateDir = "/var/lib/wendy"

	DefaultDashboardURL = "https://dashboard.wendy.sh"

	DefaultCloudGRPCHost = "cloud.wendy.sh:443"

	// DefaultAgentPort is the port the agent provisioning service listens on.
	DefaultAgentPort = 50051

	// CallbackPath is the route served by the local enrollment listener.
	CallbackPath = "/cli-callback"

	// DashboardAuthPath is the dashboard page that delivers enrollment tokens.
	DashboardAuthPath = "/cli-auth"
)

// Environment variables.
const (
	EnvConfigDir    = "WENDY_CONFIG_DIR"
	EnvDashboardURL = "WENDY_DASHBOARD_URL"
	EnvCloudGRPC    = "WENDY_CLOUD_GRPC"
	EnvLogLevel     = "WENDY_LOG_LEVEL"
	EnvAgentConfig  = "WENDY_AGENT_CONFIG"
)
