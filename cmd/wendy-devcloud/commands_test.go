package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/issuer"
	"github.com/wendylabs/wendy/internal/testutil"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, stateDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devcloud.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: "+stateDir+"\nlogging:\n  level: error\n"), 0600))
	return path
}

func TestToken_MintsForStateDir(t *testing.T) {
	stateDir := t.TempDir()
	cfgPath := writeConfig(t, stateDir)

	out, err := execute(t, "", "token", "--config", cfgPath, "--org", "42", "--asset", "edge-7")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	secret, err := issuer.LoadOrCreateSecret(stateDir, testutil.NewTestLogger(t))
	require.NoError(t, err)
	tokens, err := issuer.NewTokenManager(issuer.TokenConfig{Secret: secret})
	require.NoError(t, err)

	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, identity.Asset(42, "edge-7"), claims.Identity())
}

func TestToken_RequiresOneSubject(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	_, err := execute(t, "", "token", "--config", cfgPath, "--org", "42")
	assert.Error(t, err)

	_, err = execute(t, "", "token", "--config", cfgPath, "--org", "42", "--user", "u1", "--asset", "edge-7")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("s3cret")))

	_, err = execute(t, "\n", "hash-password")
	assert.Error(t, err)
}
