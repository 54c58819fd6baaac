package enroll

import (
	"io"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/identity"
)

// Connector opens certificate service clients for a cloud deployment.
type Connector interface {
	// Public returns a client on an unauthenticated channel.
	Public(target certstore.Target) (cloudapi.CertificateServiceClient, io.Closer, error)
	// Authenticated returns a client on a mutual-TLS channel presenting creds.
	Authenticated(target certstore.Target, creds channel.Credentials) (cloudapi.CertificateServiceClient, io.Closer, error)
}

// ChannelConnector opens gRPC channels through a channel.Factory.
type ChannelConnector struct {
	Factory *channel.Factory
	// Matcher, when set, pins the cloud's certificate to an identity.
	Matcher *identity.PeerIdentityMatcher
	Options []channel.Option
}

// Public implements Connector.
func (c ChannelConnector) Public(target certstore.Target) (cloudapi.CertificateServiceClient, io.Closer, error) {
	ch, err := c.Factory.Plaintext(target.GRPCHost)
	if err != nil {
		return nil, nil, err
	}
	return cloudapi.NewCertificateServiceClient(ch), ch, nil
}

// Authenticated implements Connector.
func (c ChannelConnector) Authenticated(target certstore.Target, creds channel.Credentials) (cloudapi.CertificateServiceClient, io.Closer, error) {
	ch, err := c.Factory.MTLS(target.GRPCHost, creds, c.Matcher, c.Options...)
	if err != nil {
		return nil, nil, err
	}
	return cloudapi.NewCertificateServiceClient(ch), ch, nil
}
