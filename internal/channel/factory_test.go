package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/testutil"
)

type metadataServer struct {
	cloudapi.UnimplementedCertificateServiceServer
}

func (metadataServer) GetCertificateMetadata(context.Context, *cloudapi.GetCertificateMetadataRequest) (*cloudapi.CertificateMetadata, error) {
	return &cloudapi.CertificateMetadata{OrganizationID: 5, UserID: "u1", SerialNumber: "1"}, nil
}

func startTLSServer(t *testing.T, creds Credentials, matcher *identity.PeerIdentityMatcher) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer(grpc.Creds(credentials.NewTLS(ServerTLSConfig(creds, matcher, nil))))
	cloudapi.RegisterCertificateServiceServer(s, metadataServer{})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	return lis.Addr().String()
}

func TestFactory_MTLS(t *testing.T) {
	ca := testutil.NewTestCA(t)
	server := issueCredentials(t, ca, identity.OrgURN(5), identity.AssetURN(5, "cloud"))
	client := issueCredentials(t, ca, identity.OrgURN(5), identity.UserURN(5, "u1"))
	addr := startTLSServer(t, server, nil)

	f, err := NewFactory(Config{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	t.Run("accepted", func(t *testing.T) {
		ch, err := f.MTLS(addr, client, identity.ForOrg(5))
		require.NoError(t, err)
		defer func() { _ = ch.Close() }()
		assert.True(t, ch.Secure())

		md, err := cloudapi.NewCertificateServiceClient(ch).GetCertificateMetadata(ctx, &cloudapi.GetCertificateMetadataRequest{})
		require.NoError(t, err)
		assert.Equal(t, int32(5), md.OrganizationID)
	})

	t.Run("rejected peer is distinguishable", func(t *testing.T) {
		ch, err := f.MTLS(addr, client, identity.ForOrg(6))
		require.NoError(t, err)
		defer func() { _ = ch.Close() }()

		_, err = cloudapi.NewCertificateServiceClient(ch).GetCertificateMetadata(ctx, &cloudapi.GetCertificateMetadataRequest{})
		require.Error(t, err)
		assert.True(t, IsRejected(err))

		var pe *identity.PeerIdentityError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, identity.OrgURN(6), pe.Missing)
	})

	t.Run("unreachable peer is not a rejection", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := lis.Addr().String()
		require.NoError(t, lis.Close())

		ch, err := f.MTLS(dead, client, identity.ForOrg(5))
		require.NoError(t, err)
		defer func() { _ = ch.Close() }()

		_, err = cloudapi.NewCertificateServiceClient(ch).GetCertificateMetadata(ctx, &cloudapi.GetCertificateMetadataRequest{})
		require.Error(t, err)
		assert.False(t, IsRejected(err))
	})
}

func TestFactory_Plaintext(t *testing.T) {
	f, err := NewFactory(Config{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	ch, err := f.Plaintext("127.0.0.1:1")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	assert.False(t, ch.Secure())
	assert.Equal(t, "127.0.0.1:1", ch.Endpoint())

	hc, err := f.PlaintextHTTP("http://127.0.0.1:50051")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:50051", hc.BaseURL)
}

func TestClassify_RejectionIsConsumed(t *testing.T) {
	cls := newClassifier("device:50051", "device", "50051", testutil.NewTestLogger(t))
	callErr := errors.New("connection closed")

	cls.rec.record(&identity.PeerIdentityError{Missing: identity.OrgURN(6)})
	err := cls.Classify(callErr)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, callErr)

	down := errors.New("network is unreachable")
	err = cls.Classify(down)
	assert.False(t, IsRejected(err))
	assert.Equal(t, down, err)
}

func TestIdentityGate_SuccessClearsRejection(t *testing.T) {
	ca := testutil.NewTestCA(t)
	peer := issueCredentials(t, ca, identity.OrgURN(5))
	rec := &handshakeRecorder{}
	gate := identityGate(identity.ForOrg(5), rec)

	rec.record(errors.New("earlier rejection"))
	require.NoError(t, gate(tls.ConnectionState{PeerCertificates: []*x509.Certificate{peer.Leaf}}))
	assert.NoError(t, rec.take())

	err := gate(tls.ConnectionState{})
	require.Error(t, err)
	assert.Equal(t, err, rec.take())
	assert.NoError(t, rec.take())
}
