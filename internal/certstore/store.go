// Package certstore persists issued certificates and their keys.
//
// The store is a single JSON document holding one AuthRecord per cloud
// deployment. Writes are atomic, and Update serializes read-modify-write
// cycles both within the process and across processes sharing the file.
package certstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/errors"
	"github.com/wendylabs/wendy/internal/safe"
)

const lockRetryDelay = 50 * time.Millisecond

// Config contains store configuration.
type Config struct {
	// Path is the JSON file. Defaults to DefaultPath().
	Path string
	// LockTimeout bounds waiting for the inter-process lock.
	LockTimeout time.Duration
	Logger      zerolog.Logger
}

// Store reads and writes a PersistedConfig.
type Store struct {
	path        string
	lockTimeout time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	flock *flock.Flock
}

// DefaultPath returns ~/.wendy/config.json, honoring WENDY_CONFIG_DIR.
func DefaultPath() (string, error) {
	if dir := os.Getenv(constants.EnvConfigDir); dir != "" {
		return filepath.Join(dir, constants.CredentialsFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, constants.DefaultDir, constants.CredentialsFile), nil
}

// New creates a store.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = constants.DefaultStoreLockTimeout
	}

	return &Store{
		path:        path,
		lockTimeout: lockTimeout,
		logger:      cfg.Logger.With().Str("component", "certstore").Logger(),
		flock:       flock.New(path + ".lock"),
	}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the config. A missing, unreadable or corrupt file yields an
// empty config.
func (s *Store) Load() PersistedConfig {
	data, err := safe.ReadFile(s.path, nil)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug().Err(err).Str("path", s.path).Msg("Ignoring unreadable credentials file")
		}
		return PersistedConfig{}
	}

	var cfg PersistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Debug().Err(err).Str("path", s.path).Msg("Ignoring corrupt credentials file")
		return PersistedConfig{}
	}
	return cfg
}

// Save writes cfg atomically, creating the parent directory if missing.
func (s *Store) Save(ctx context.Context, cfg PersistedConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.write(cfg)
}

// Update loads the config, applies fn and saves the result while holding both
// the process mutex and the file lock. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(*PersistedConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cfg := s.Load()
	if err := fn(&cfg); err != nil {
		return err
	}
	return s.write(cfg)
}

// Put stores e under t.
func (s *Store) Put(ctx context.Context, t Target, e CertificateEntry) error {
	return s.Update(ctx, func(cfg *PersistedConfig) error {
		cfg.PutEntry(t, e)
		return nil
	})
}

func (s *Store) write(cfg PersistedConfig) error {
	if cfg.Auth == nil {
		cfg.Auth = []AuthRecord{}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := safe.WriteFileAtomic(s.path, data, nil, s.logger); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	s.logger.Debug().Str("path", s.path).Int("records", len(cfg.Auth)).Msg("Saved credentials")
	return nil
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := s.flock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", s.flock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("timed out waiting for lock on %s", s.flock.Path())
	}

	return func() {
		errors.DeferFunc(s.logger, s.flock.Unlock, "Failed to release credentials lock")
	}, nil
}
