package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/issuer"
	"github.com/wendylabs/wendy/internal/testutil"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestLoader_SettingsDefaultsWhenMissing(t *testing.T) {
	l := NewLoaderAt(t.TempDir())

	s, err := l.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoader_SettingsFileThenEnv(t *testing.T) {
	l := NewLoaderAt(t.TempDir())
	writeFile(t, l.SettingsPath(), `
cloud:
  dashboard_url: http://127.0.0.1:50080
  grpc_host: 127.0.0.1:50070
auth:
  refresh_margin: 2h
`)
	t.Setenv("WENDY_CLOUD_GRPC", "127.0.0.1:60000")

	s, err := l.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:50080", s.Cloud.DashboardURL)
	assert.Equal(t, "127.0.0.1:60000", s.Cloud.GRPCHost)
	assert.Equal(t, 2*time.Hour, s.Auth.RefreshMargin)
	assert.Equal(t, constants.DefaultRPCTimeout, s.Auth.RPCTimeout)
}

func TestLoader_SaveSettings(t *testing.T) {
	l := NewLoaderAt(filepath.Join(t.TempDir(), "nested"))
	s := DefaultSettings()
	s.Cloud.DashboardURL = "http://localhost:50080"

	require.NoError(t, l.SaveSettings(s, testutil.NewTestLogger(t)))

	got, err := l.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestLoader_SettingsRejectsInvalid(t *testing.T) {
	l := NewLoaderAt(t.TempDir())
	writeFile(t, l.SettingsPath(), "cloud:\n  dashboard_url: ftp://example\n")

	_, err := l.LoadSettings()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "cloud.dashboard_url")
}

func TestNewLoader_HonorsConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(constants.EnvConfigDir, dir)
	l := NewLoader()
	assert.Equal(t, dir, l.Dir())
	assert.Equal(t, filepath.Join(dir, "config.json"), l.CredentialsPath())
}

func TestLoadAgentConfig(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := LoadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent.yaml")
		writeFile(t, path, `
listen_addr: 127.0.0.1:7000
state_dir: /tmp/wendy-agent
refresh:
  interval: 10m
`)
		cfg, err := LoadAgentConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
		assert.Equal(t, "/tmp/wendy-agent", cfg.StateDir)
		assert.Equal(t, 10*time.Minute, cfg.Refresh.Interval)
		assert.Equal(t, constants.DefaultRefreshMargin, cfg.Refresh.Margin)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent.yaml")
		writeFile(t, path, "refresh:\n  interval: 0s\n")
		_, err := LoadAgentConfig(path)
		assert.Error(t, err)
	})
}

func TestLoadDevCloudConfig_Users(t *testing.T) {
	hash, err := issuer.HashPassword("hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "devcloud.yaml")
	writeFile(t, path, `
grpc_addr: 127.0.0.1:0
token_ttl: 5m
users:
  - username: alice
    password_hash: "`+hash+`"
    organization_id: 42
    user_id: u1
`)

	home := t.TempDir()
	cfg, err := LoadDevCloudConfig(path, home)
	require.NoError(t, err)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "alice", cfg.Users[0].Username)
	assert.Equal(t, filepath.Join(home, constants.DefaultDevCloudStateDir), cfg.StateDir)

	ic := cfg.IssuerConfig()
	assert.Equal(t, 5*time.Minute, ic.TokenTTL)
	assert.Equal(t, constants.DefaultCertificateValidity, ic.Policy.LeafValidity)
	assert.Equal(t, cfg.Users, ic.Users)
}
