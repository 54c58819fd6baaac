package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/issuer"
	"github.com/wendylabs/wendy/internal/testutil"
)

func startCloud(t *testing.T, users ...issuer.User) *issuer.Server {
	t.Helper()
	cfg := issuer.Config{
		GRPCAddr: "127.0.0.1:0",
		Users:    users,
		Policy:   issuer.Policy{LeafValidity: 48 * time.Hour},
		Logger:   testutil.NewTestLogger(t),
	}
	if len(users) > 0 {
		cfg.DashboardAddr = "127.0.0.1:0"
	}
	cloud, err := issuer.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cloud.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cloud
}

// run executes the auth command tree with args against configDir.
func run(t *testing.T, configDir string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	flags := &helpers.GlobalFlags{ConfigDir: configDir}
	cmd := NewAuthCmd(flags)
	flags.AddFlags(cmd.PersistentFlags())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func callbackURL(token string, id identity.Identity) string {
	q := url.Values{"token": {token}, "user_id": {id.UserID}, "org_id": {"42"}}
	return "http://127.0.0.1:1/cli-callback?" + q.Encode()
}

func TestLoginManual_ThenStatusAndRefresh(t *testing.T) {
	cloud := startCloud(t)
	dir := t.TempDir()
	id := identity.User(42, "u1")
	token, _, err := cloud.Tokens().Mint(id, 0)
	require.NoError(t, err)

	cloudFlags := []string{"--dashboard", "http://localhost:8080", "--grpc-host", cloud.GRPCAddr()}

	out, err := run(t, dir, strings.NewReader(callbackURL(token, id)+"\n"),
		append([]string{"login", "--manual"}, cloudFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "redirect_uri=")
	assert.Contains(t, out, "✓ Logged in as u1 (organization 42)")

	t.Run("token cannot be reused", func(t *testing.T) {
		_, err := run(t, t.TempDir(), strings.NewReader(callbackURL(token, id)+"\n"),
			append([]string{"login", "--manual"}, cloudFlags...)...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already used")
	})

	t.Run("status", func(t *testing.T) {
		out, err := run(t, dir, nil, "status", "-o", "json")
		require.NoError(t, err)

		var rows []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "u1", rows[0]["subject"])
		assert.Equal(t, float64(42), rows[0]["organizationId"])
		assert.Equal(t, "valid", rows[0]["status"])
		assert.Equal(t, cloud.GRPCAddr(), rows[0]["cloudGRPCHost"])
	})

	t.Run("refresh skips fresh certificate", func(t *testing.T) {
		out, err := run(t, dir, nil, "refresh")
		require.NoError(t, err)
		assert.Contains(t, out, "is fresh until")
	})

	t.Run("forced refresh rotates", func(t *testing.T) {
		before := cloud.Registry().List(42)
		out, err := run(t, dir, nil, "refresh", "--force")
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Refreshed org 42 / user u1")
		assert.Len(t, cloud.Registry().List(42), len(before)+1)
	})

	t.Run("refresh of an unknown organization", func(t *testing.T) {
		_, err := run(t, dir, nil, "refresh", "--org", "7")
		assert.Error(t, err)
	})
}

func TestLogin_BrowserCallback(t *testing.T) {
	hash, err := issuer.HashPassword("pw")
	require.NoError(t, err)
	cloud := startCloud(t, issuer.User{Username: "alice", PasswordHash: hash, OrganizationID: 42, UserID: "u1"})

	var opened string
	openBrowser = func(authURL string) error {
		opened = authURL
		go func() {
			req, err := http.NewRequest(http.MethodGet, authURL, nil)
			if err != nil {
				return
			}
			req.SetBasicAuth("alice", "pw")
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
	t.Cleanup(func() { openBrowser = helpers.OpenBrowser })

	out, err := run(t, t.TempDir(), nil,
		"login", "--dashboard", cloud.DashboardURL(), "--grpc-host", cloud.GRPCAddr(), "--timeout", "20s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(opened, cloud.DashboardURL()+"/cli-auth?redirect_uri="))
	assert.Contains(t, out, "✓ Logged in as u1 (organization 42)")
}

func TestLogin_NoBrowserTimesOut(t *testing.T) {
	cloud := startCloud(t)
	openBrowser = func(string) error {
		t.Error("browser opened with --no-browser")
		return nil
	}
	t.Cleanup(func() { openBrowser = helpers.OpenBrowser })

	out, err := run(t, t.TempDir(), nil,
		"login", "--no-browser", "--dashboard", "http://localhost:8080", "--grpc-host", cloud.GRPCAddr(), "--timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, out, "http://localhost:8080/cli-auth?redirect_uri=")
}

func TestStatus_NotLoggedIn(t *testing.T) {
	out, err := run(t, t.TempDir(), nil, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")
}

func TestRefresh_NothingStored(t *testing.T) {
	_, err := run(t, t.TempDir(), nil, "refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wendy auth login")
}
