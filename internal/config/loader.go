package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/safe"
)

// Loader locates per-user files.
type Loader struct {
	dir string
}

// NewLoader resolves the per-user directory: WENDY_CONFIG_DIR, then
// ~/.wendy, then a temporary fallback for containers without a home
// directory. It never fails; missing files load as defaults.
func NewLoader() *Loader {
	if dir := os.Getenv(constants.EnvConfigDir); dir != "" {
		return &Loader{dir: dir}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return &Loader{dir: filepath.Join(home, constants.DefaultDir)}
	}
	return &Loader{dir: filepath.Join(os.TempDir(), "wendy-fallback")}
}

// NewLoaderAt uses dir as the per-user directory.
func NewLoaderAt(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the per-user directory.
func (l *Loader) Dir() string { return l.dir }

// SettingsPath returns the CLI settings file.
func (l *Loader) SettingsPath() string {
	return filepath.Join(l.dir, constants.SettingsFile)
}

// CredentialsPath returns the persisted credentials file.
func (l *Loader) CredentialsPath() string {
	return filepath.Join(l.dir, constants.CredentialsFile)
}

// LoadSettings reads the settings file over the defaults and applies
// environment overrides.
func (l *Loader) LoadSettings() (*Settings, error) {
	s := DefaultSettings()
	if err := loadYAML(l.SettingsPath(), s, false); err != nil {
		return nil, err
	}
	if err := MergeFromEnv(s); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSettings writes s atomically.
func (l *Loader) SaveSettings(s *Settings, logger zerolog.Logger) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := safe.WriteFileAtomic(l.SettingsPath(), data, &safe.FileOptions{Perm: 0600, DirPerm: 0700}, logger); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// LoadAgentConfig reads the agent config. An empty path uses
// WENDY_AGENT_CONFIG or the default location, either of which may be
// absent; an explicit path must exist.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	required := path != ""
	if path == "" {
		path = os.Getenv(constants.EnvAgentConfig)
		required = path != ""
	}
	if path == "" {
		path = constants.DefaultAgentConfigPath
	}

	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg, required); err != nil {
		return nil, err
	}
	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDevCloudConfig reads the development cloud config. An empty path
// loads defaults rooted at home.
func LoadDevCloudConfig(path, home string) (*DevCloudConfig, error) {
	cfg := DefaultDevCloudConfig(home)
	if path != "" {
		if err := loadYAML(path, cfg, true); err != nil {
			return nil, err
		}
	}
	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out any, required bool) error {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
