// Package helpers holds what the wendy commands share: configuration and
// credential loading, channel construction and output formatting.
package helpers

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/config"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/logging"
	"github.com/wendylabs/wendy/internal/pki"
)

// GlobalFlags are the root command's persistent flags.
type GlobalFlags struct {
	LogLevel  string
	ConfigDir string
	Insecure  bool
}

// AddFlags registers the flags on fs.
func (f *GlobalFlags) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.ConfigDir, "config-dir", "", "Directory holding settings.yaml and config.json (default ~/.wendy)")
	fs.BoolVar(&f.Insecure, "insecure", false, "Skip TLS server verification (debug builds only)")
	_ = fs.MarkHidden("insecure")
}

// Env is the per-invocation state of a command.
type Env struct {
	Loader   *config.Loader
	Settings *config.Settings
	Store    *certstore.Store
	Factory  *channel.Factory
	Logger   zerolog.Logger
}

// NewEnv loads settings and opens the credential store.
func NewEnv(flags *GlobalFlags) (*Env, error) {
	loader := config.NewLoader()
	if flags.ConfigDir != "" {
		loader = config.NewLoaderAt(flags.ConfigDir)
	}
	settings, err := loader.LoadSettings()
	if err != nil {
		return nil, err
	}

	level := settings.Logging.Level
	if flags.LogLevel != "" {
		level = flags.LogLevel
	}
	logger := logging.NewWithComponent(logging.Config{
		Level:  level,
		Pretty: settings.Logging.Pretty,
		Output: os.Stderr,
	}, "cli")

	store, err := certstore.New(certstore.Config{Path: loader.CredentialsPath(), Logger: logger})
	if err != nil {
		return nil, err
	}
	factory, err := channel.NewFactory(channel.Config{Logger: logger, Insecure: flags.Insecure})
	if err != nil {
		return nil, err
	}

	return &Env{Loader: loader, Settings: settings, Store: store, Factory: factory, Logger: logger}, nil
}

// Enroller returns an enroller over the env's store and channels.
func (e *Env) Enroller() (*enroll.Enroller, error) {
	return enroll.New(enroll.Config{
		Store:      e.Store,
		Connector:  enroll.ChannelConnector{Factory: e.Factory},
		RPCTimeout: e.Settings.Auth.RPCTimeout,
		Logger:     e.Logger,
	})
}

// Target returns the cloud deployment, with non-empty arguments taking
// precedence over settings.
func (e *Env) Target(dashboardURL, grpcHost string) (certstore.Target, error) {
	t := certstore.Target{DashboardURL: e.Settings.Cloud.DashboardURL, GRPCHost: e.Settings.Cloud.GRPCHost}
	if dashboardURL != "" {
		if err := config.ValidateDashboardURL(dashboardURL); err != nil {
			return certstore.Target{}, fmt.Errorf("invalid --dashboard: %w", err)
		}
		t.DashboardURL = dashboardURL
	}
	if grpcHost != "" {
		if err := config.ValidateHostPort(grpcHost, true); err != nil {
			return certstore.Target{}, fmt.Errorf("invalid --grpc-host: %w", err)
		}
		t.GRPCHost = grpcHost
	}
	return t, nil
}

// Policy returns the refresh policy from settings.
func (e *Env) Policy() pki.ExpiryPolicy {
	return pki.ExpiryPolicy{Margin: e.Settings.Auth.RefreshMargin}
}

// UserCredentials selects a stored user identity for target. orgID of zero
// matches any organization.
func (e *Env) UserCredentials(target certstore.Target, orgID int32) (certstore.Candidate, error) {
	c, err := e.Store.Select(certstore.ByTarget(target.DashboardURL, target.GRPCHost, UsersOnly(orgID)))
	if err != nil {
		return certstore.Candidate{}, fmt.Errorf("%w for %s; run 'wendy auth login' first", err, target)
	}
	return c, nil
}

// UsersOnly selects the first user entry, optionally of one organization.
func UsersOnly(orgID int32) certstore.Selector {
	return certstore.SelectorFunc(func(cs []certstore.Candidate) (certstore.Candidate, error) {
		for _, c := range cs {
			if c.Entry.UserID != "" && (orgID == 0 || c.Entry.OrganizationID == orgID) {
				return c, nil
			}
		}
		return certstore.Candidate{}, certstore.ErrNoCredentials
	})
}
