package constants

import "time"

// Timeouts - Default timeout values.
const (
	// DefaultRPCTimeout bounds a single issuance or refresh call.
	DefaultRPCTimeout = 30 * time.Second

	// DefaultEnrollTimeout bounds the interactive browser enrollment wait.
	DefaultEnrollTimeout = 10 * time.Minute

	// DefaultStoreLockTimeout bounds waiting for the credentials file lock.
	DefaultStoreLockTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultReadHeaderTimeout protects HTTP listeners from slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Certificate lifecycle defaults.
const (
	// DefaultRefreshMargin is how long before notAfter the CLI and agent refresh.
	DefaultRefreshMargin = 24 * time.Hour

	// DefaultRefreshCheckInterval is how often the agent checks its certificate.
	DefaultRefreshCheckInterval = time.Hour

	// DefaultCertificateValidity is the lifetime of certificates issued by the dev cloud.
	DefaultCertificateValidity = 7 * 24 * time.Hour

	// DefaultEnrollmentTokenTTL is the lifetime of dev cloud enrollment tokens.
	DefaultEnrollmentTokenTTL = 15 * time.Minute
)

// Dev cloud listener defaults.
const (
	// DefaultDevCloudGRPCAddr serves both plaintext issuance and mTLS refresh.
	DefaultDevCloudGRPCAddr      = "127.0.0.1:50070"
	DefaultDevCloudDashboardAddr = "127.0.0.1:50080"
	DefaultDevCloudStateDir      = ".wendy/devcloud"
)
