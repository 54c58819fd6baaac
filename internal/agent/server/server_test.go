package server_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/agent/server"
	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/issuer"
	"github.com/wendylabs/wendy/internal/testutil"
)

type listenEvent struct {
	addr   string
	secure bool
}

func runInBackground(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func startCloud(t *testing.T) *issuer.Server {
	t.Helper()
	cloud, err := issuer.New(issuer.Config{
		GRPCAddr: "127.0.0.1:0",
		Policy:   issuer.Policy{LeafValidity: 48 * time.Hour},
		Logger:   testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	runInBackground(t, cloud.Run)
	return cloud
}

func startAgent(t *testing.T, cloud *issuer.Server, stateDir string) <-chan listenEvent {
	t.Helper()
	events := make(chan listenEvent, 4)
	agent, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		StateDir:   stateDir,
		CloudHost:  cloud.GRPCAddr(),
		OnListen:   func(addr string, secure bool) { events <- listenEvent{addr, secure} },
		Logger:     testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	runInBackground(t, agent.Run)
	return events
}

func awaitListen(t *testing.T, events <-chan listenEvent) listenEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not bind")
		return listenEvent{}
	}
}

// enrollUser obtains operator credentials from the cloud.
func enrollUser(t *testing.T, cloud *issuer.Server, factory *channel.Factory, id identity.Identity) channel.Credentials {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	store, err := certstore.New(certstore.Config{Path: filepath.Join(t.TempDir(), "config.json"), Logger: logger})
	require.NoError(t, err)
	e, err := enroll.New(enroll.Config{Store: store, Connector: enroll.ChannelConnector{Factory: factory}, Logger: logger})
	require.NoError(t, err)

	token, _, err := cloud.Tokens().Mint(id, 0)
	require.NoError(t, err)
	res, err := e.Exchange(context.Background(), certstore.Target{GRPCHost: cloud.GRPCAddr()}, token, id)
	require.NoError(t, err)

	creds, err := channel.CredentialsFromEntry(res.Entry)
	require.NoError(t, err)
	return creds
}

func newFactory(t *testing.T) *channel.Factory {
	t.Helper()
	factory, err := channel.NewFactory(channel.Config{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	return factory
}

func TestServer_ProvisionThenRestartWithMutualTLS(t *testing.T) {
	cloud := startCloud(t)
	events := startAgent(t, cloud, t.TempDir())
	factory := newFactory(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	plain := awaitListen(t, events)
	require.False(t, plain.secure)

	ch, err := factory.PlaintextHTTP(plain.addr)
	require.NoError(t, err)
	defer ch.Close()
	client := agentapi.NewProvisioningServiceClient(ch.Client, ch.BaseURL)

	status, err := client.IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
	require.NoError(t, err)
	assert.NotNil(t, status.Msg.NotProvisioned)

	device := identity.Asset(42, "edge-7")
	token, _, err := cloud.Tokens().Mint(device, 0)
	require.NoError(t, err)
	_, err = client.StartProvisioning(ctx, connect.NewRequest(&agentapi.StartProvisioningRequest{
		EnrollmentToken: token,
		AssetID:         device.AssetID,
		OrganizationID:  device.OrganizationID,
	}))
	require.NoError(t, err)

	secure := awaitListen(t, events)
	require.True(t, secure.secure)
	assert.Equal(t, plain.addr, secure.addr)

	operator := enrollUser(t, cloud, factory, identity.User(42, "u1"))

	t.Run("pinned asset", func(t *testing.T) {
		mch, err := factory.MTLSHTTP(secure.addr, operator, identity.ForAsset(42, "edge-7"))
		require.NoError(t, err)
		defer mch.Close()

		resp, err := agentapi.NewProvisioningServiceClient(mch.Client, mch.BaseURL).
			IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
		require.NoError(t, err)
		require.NotNil(t, resp.Msg.Provisioned)
		assert.Equal(t, "edge-7", resp.Msg.Provisioned.AssetID)
		assert.Equal(t, int32(42), resp.Msg.Provisioned.OrganizationID)
	})

	t.Run("wrong asset rejected by client", func(t *testing.T) {
		mch, err := factory.MTLSHTTP(secure.addr, operator, identity.ForAsset(42, "edge-8"))
		require.NoError(t, err)
		defer mch.Close()

		_, err = agentapi.NewProvisioningServiceClient(mch.Client, mch.BaseURL).
			IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
		require.Error(t, err)
		assert.True(t, channel.IsRejected(mch.Classify(err)))
	})

	t.Run("other organization rejected by agent", func(t *testing.T) {
		outsider := enrollUser(t, cloud, factory, identity.User(43, "eve"))
		mch, err := factory.MTLSHTTP(secure.addr, outsider, nil)
		require.NoError(t, err)
		defer mch.Close()

		_, err = agentapi.NewProvisioningServiceClient(mch.Client, mch.BaseURL).
			IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
		assert.Error(t, err)
	})

	t.Run("plaintext closed", func(t *testing.T) {
		_, err := client.IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
		assert.Error(t, err)
	})
}

func TestServer_ProvisionedAgentStartsWithMutualTLS(t *testing.T) {
	cloud := startCloud(t)
	stateDir := t.TempDir()
	factory := newFactory(t)

	logger := testutil.NewTestLogger(t)
	store, err := certstore.New(certstore.Config{Path: filepath.Join(stateDir, "config.json"), Logger: logger})
	require.NoError(t, err)
	e, err := enroll.New(enroll.Config{Store: store, Connector: enroll.ChannelConnector{Factory: factory}, Logger: logger})
	require.NoError(t, err)
	device := identity.Asset(42, "edge-7")
	token, _, err := cloud.Tokens().Mint(device, 0)
	require.NoError(t, err)
	_, err = e.Exchange(context.Background(), certstore.Target{GRPCHost: cloud.GRPCAddr()}, token, device)
	require.NoError(t, err)

	events := startAgent(t, cloud, stateDir)
	ev := awaitListen(t, events)
	assert.True(t, ev.secure)
}
