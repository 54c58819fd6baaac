package enroll

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/enroll/enrolltest"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
	"github.com/wendylabs/wendy/internal/testutil"
)

var testTarget = certstore.Target{DashboardURL: "https://cloud.test", GRPCHost: "grpc.cloud.test:443"}

func newTestEnroller(t *testing.T, conn Connector) (*Enroller, *certstore.Store) {
	t.Helper()
	store, err := certstore.New(certstore.Config{
		Path:   filepath.Join(t.TempDir(), "config.json"),
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)

	e, err := New(Config{
		Store:      store,
		Connector:  conn,
		RPCTimeout: 5 * time.Second,
		Metrics:    NewMetrics(testutil.NewTestLogger(t)),
		Logger:     testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	return e, store
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{Connector: enrolltest.NewIssuer(t)})
	assert.Error(t, err)

	store, err := certstore.New(certstore.Config{Path: filepath.Join(t.TempDir(), "c.json")})
	require.NoError(t, err)
	_, err = New(Config{Store: store})
	assert.Error(t, err)
}

func TestExchange_PersistsValidatedCertificate(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	e, store := newTestEnroller(t, issuer)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	id := identity.User(42, "u1")
	res, err := e.Exchange(ctx, testTarget, "tok-1", id)
	require.NoError(t, err)
	assert.Equal(t, id, res.Identity)

	cfg := store.Load()
	require.Len(t, cfg.Auth, 1)
	assert.Equal(t, testTarget.DashboardURL, cfg.Auth[0].CloudDashboardURL)
	assert.Equal(t, testTarget.GRPCHost, cfg.Auth[0].CloudGRPCHost)
	require.Len(t, cfg.Auth[0].Certificates, 1)

	entry := cfg.Auth[0].Certificates[0]
	assert.Equal(t, int32(42), entry.OrganizationID)
	assert.Equal(t, "u1", entry.UserID)
	require.Len(t, entry.CertificateChainPEM, 2)

	key, err := entry.PrivateKey()
	require.NoError(t, err)
	leaf, err := entry.Leaf()
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(&key.PublicKey, leaf.PublicKey))
	assert.False(t, pki.ExpiryPolicy{}.NeedsRefresh(entry.LeafPEM(), time.Now()))

	_, err = entry.TLSCertificate()
	assert.NoError(t, err)
}

func TestExchange_PublicKeyMismatchNotPersisted(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	issuer.WrongKey = true
	e, store := newTestEnroller(t, issuer)

	_, err := e.Exchange(context.Background(), testTarget, "tok-1", identity.User(42, "u1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublicKeyMismatch)
	assert.True(t, IsValidation(err))
	assert.Equal(t, ErrPublicKeyMismatch.Error(), UserMessage(err))
	assert.Empty(t, store.Load().Auth)
}

func TestExchange_IdentityMismatchNotPersisted(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	issuer.OrgOverride = 43
	e, store := newTestEnroller(t, issuer)

	_, err := e.Exchange(context.Background(), testTarget, "tok-1", identity.User(42, "u1"))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Empty(t, store.Load().Auth)
}

func TestExchange_ServerErrorSurfacedVerbatim(t *testing.T) {
	e, store := newTestEnroller(t, enrolltest.NewIssuer(t))

	_, err := e.Exchange(context.Background(), testTarget, "stale", identity.User(42, "u1"))
	require.Error(t, err)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, cloudapi.CodeInvalidToken, se.Code)
	assert.Equal(t, "Enrollment token expired", UserMessage(err))
	assert.False(t, IsValidation(err))
	assert.Empty(t, store.Load().Auth)
}

func TestExchange_RejectsInvalidInput(t *testing.T) {
	e, _ := newTestEnroller(t, enrolltest.NewIssuer(t, "tok-1"))

	_, err := e.Exchange(context.Background(), testTarget, "", identity.User(42, "u1"))
	assert.Error(t, err)

	_, err = e.Exchange(context.Background(), testTarget, "tok-1", identity.Identity{OrganizationID: 42})
	assert.ErrorIs(t, err, identity.ErrInvalidIdentity)
}

func TestExchange_TimeoutRecorded(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	issuer.Gate = make(chan struct{})
	e, _ := newTestEnroller(t, issuer)
	e.rpcTimeout = 50 * time.Millisecond

	_, err := e.Exchange(context.Background(), testTarget, "tok-1", identity.User(42, "u1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), e.metrics.Stats(OperationEnroll).TimeoutCount)
}

func TestExchange_OtherEntriesPreserved(t *testing.T) {
	e, store := newTestEnroller(t, enrolltest.NewIssuer(t, "tok-1", "tok-2"))
	ctx := context.Background()

	_, err := e.Exchange(ctx, testTarget, "tok-1", identity.User(42, "u1"))
	require.NoError(t, err)
	_, err = e.Exchange(ctx, testTarget, "tok-2", identity.Asset(42, "edge-7"))
	require.NoError(t, err)

	cfg := store.Load()
	require.Len(t, cfg.Auth, 1)
	assert.Len(t, cfg.Auth[0].Certificates, 2)
}

func TestRefresh_RotatesKey(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	e, store := newTestEnroller(t, issuer)
	ctx := context.Background()
	id := identity.User(42, "u1")

	first, err := e.Exchange(ctx, testTarget, "tok-1", id)
	require.NoError(t, err)

	second, err := e.Refresh(ctx, testTarget, id)
	require.NoError(t, err)

	assert.NotEqual(t, first.Entry.PrivateKeyPEM, second.Entry.PrivateKeyPEM)
	assert.False(t, pki.PublicKeysEqual(first.Leaf.PublicKey, second.Leaf.PublicKey))
	assert.NotEqual(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)

	require.Len(t, issuer.RefreshCredentials(), 1)
	assert.Equal(t, first.Leaf.Raw, issuer.RefreshCredentials()[0].Leaf.Raw)

	cfg := store.Load()
	require.Len(t, cfg.Auth, 1)
	require.Len(t, cfg.Auth[0].Certificates, 1)
	assert.Equal(t, second.Entry.PrivateKeyPEM, cfg.Auth[0].Certificates[0].PrivateKeyPEM)
}

func TestRefresh_NotEnrolled(t *testing.T) {
	e, _ := newTestEnroller(t, enrolltest.NewIssuer(t))
	_, err := e.Refresh(context.Background(), testTarget, identity.User(42, "u1"))
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestRefresh_MismatchKeepsOldEntry(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1")
	e, store := newTestEnroller(t, issuer)
	ctx := context.Background()
	id := identity.User(42, "u1")

	first, err := e.Exchange(ctx, testTarget, "tok-1", id)
	require.NoError(t, err)

	issuer.Lock()
	issuer.WrongKey = true
	issuer.Unlock()

	_, err = e.Refresh(ctx, testTarget, id)
	assert.ErrorIs(t, err, ErrPublicKeyMismatch)

	entry, ok := store.Load().Entry(testTarget, id)
	require.True(t, ok)
	assert.Equal(t, first.Entry.PrivateKeyPEM, entry.PrivateKeyPEM)
}

func TestEnsureFresh(t *testing.T) {
	ctx := context.Background()
	id := identity.Asset(42, "edge-7")

	t.Run("fresh certificate is returned as is", func(t *testing.T) {
		issuer := enrolltest.NewIssuer(t, "tok-1")
		e, _ := newTestEnroller(t, issuer)
		_, err := e.Exchange(ctx, testTarget, "tok-1", id)
		require.NoError(t, err)

		_, err = e.EnsureFresh(ctx, testTarget, id, pki.ExpiryPolicy{Margin: time.Hour})
		require.NoError(t, err)
		assert.Zero(t, issuer.Refreshed())
	})

	t.Run("certificate inside margin is refreshed", func(t *testing.T) {
		issuer := enrolltest.NewIssuer(t, "tok-1")
		issuer.Lifetime = time.Hour
		e, _ := newTestEnroller(t, issuer)
		_, err := e.Exchange(ctx, testTarget, "tok-1", id)
		require.NoError(t, err)

		res, err := e.EnsureFresh(ctx, testTarget, id, pki.ExpiryPolicy{Margin: 24 * time.Hour})
		require.NoError(t, err)
		assert.Equal(t, 1, issuer.Refreshed())
		assert.Equal(t, id, res.Identity)
	})

	t.Run("not yet valid certificate is an error", func(t *testing.T) {
		issuer := enrolltest.NewIssuer(t)
		e, store := newTestEnroller(t, issuer)

		key := testutil.NewKey(t)
		leaf := issuer.CA.Issue(t, &key.PublicKey, testutil.LeafOptions{
			URIs:      id.URNs(),
			NotBefore: time.Now().Add(time.Hour),
			NotAfter:  time.Now().Add(48 * time.Hour),
		})
		entry, err := certstore.NewEntry(id, key, []string{leaf, issuer.CA.PEM})
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, testTarget, entry))

		_, err = e.EnsureFresh(ctx, testTarget, id, pki.ExpiryPolicy{Margin: 24 * time.Hour})
		assert.ErrorIs(t, err, ErrCertificateNotYetValid)
		assert.Zero(t, issuer.Refreshed())
	})

	t.Run("missing entry", func(t *testing.T) {
		e, _ := newTestEnroller(t, enrolltest.NewIssuer(t))
		_, err := e.EnsureFresh(ctx, testTarget, id, pki.ExpiryPolicy{})
		assert.ErrorIs(t, err, ErrNotEnrolled)
	})
}

func TestMetrics_RecordsOutcomes(t *testing.T) {
	e, _ := newTestEnroller(t, enrolltest.NewIssuer(t, "tok-1"))
	ctx := context.Background()

	_, err := e.Exchange(ctx, testTarget, "bad", identity.User(42, "u1"))
	require.Error(t, err)
	_, err = e.Exchange(ctx, testTarget, "tok-1", identity.User(42, "u1"))
	require.NoError(t, err)

	stats := e.metrics.Stats(OperationEnroll)
	assert.Equal(t, int64(2), stats.TotalAttempts)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailureCount)

	var nilMetrics *Metrics
	assert.Equal(t, Stats{}, nilMetrics.Stats(OperationEnroll))
}
