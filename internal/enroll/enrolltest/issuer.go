// Package enrolltest provides an in-memory certificate service for tests of
// enrollment flows.
package enrolltest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/pki"
	"github.com/wendylabs/wendy/internal/testutil"
)

// Issuer signs CSRs with a TestCA. It implements both
// cloudapi.CertificateServiceClient and the enroll Connector, so it can be
// handed to an Enroller directly. Knob fields must be set before use or
// changed under Lock.
type Issuer struct {
	t  *testing.T
	CA *testutil.TestCA

	sync.Mutex
	tokens map[string]bool
	// WrongKey signs a random key instead of the CSR key.
	WrongKey bool
	// OrgOverride issues for another organization when non-zero.
	OrgOverride int32
	// Lifetime shortens the validity when non-zero.
	Lifetime time.Duration
	// Gate blocks IssueCertificate until closed.
	Gate chan struct{}

	issued      int
	refreshed   int
	refreshAuth []channel.Credentials
}

// NewIssuer creates an Issuer accepting each token once.
func NewIssuer(t *testing.T, tokens ...string) *Issuer {
	f := &Issuer{t: t, CA: testutil.NewTestCA(t), tokens: map[string]bool{}}
	for _, tok := range tokens {
		f.tokens[tok] = false
	}
	return f
}

// Issued returns the number of certificates issued through IssueCertificate.
func (f *Issuer) Issued() int {
	f.Lock()
	defer f.Unlock()
	return f.issued
}

// Refreshed returns the number of successful refreshes.
func (f *Issuer) Refreshed() int {
	f.Lock()
	defer f.Unlock()
	return f.refreshed
}

// RefreshCredentials returns the credentials presented on each
// authenticated connection.
func (f *Issuer) RefreshCredentials() []channel.Credentials {
	f.Lock()
	defer f.Unlock()
	return append([]channel.Credentials(nil), f.refreshAuth...)
}

// Public returns the issuer itself.
func (f *Issuer) Public(certstore.Target) (cloudapi.CertificateServiceClient, io.Closer, error) {
	return f, io.NopCloser(nil), nil
}

// Authenticated records creds and returns the issuer itself.
func (f *Issuer) Authenticated(_ certstore.Target, creds channel.Credentials) (cloudapi.CertificateServiceClient, io.Closer, error) {
	f.Lock()
	f.refreshAuth = append(f.refreshAuth, creds)
	f.Unlock()
	return f, io.NopCloser(nil), nil
}

func (f *Issuer) sign(csrPEM string) (*cloudapi.Certificate, error) {
	csr, err := pki.ParseRequest(csrPEM)
	if err != nil {
		return nil, err
	}
	id, err := pki.IdentityFromRequest(csr)
	if err != nil {
		return nil, err
	}

	f.Lock()
	defer f.Unlock()
	if f.OrgOverride != 0 {
		id.OrganizationID = f.OrgOverride
	}
	pub := csr.PublicKey
	if f.WrongKey {
		pub = &testutil.NewKey(f.t).PublicKey
	}
	opts := testutil.LeafOptions{URIs: id.URNs()}
	if f.Lifetime > 0 {
		opts.NotAfter = time.Now().Add(f.Lifetime)
	}

	return &cloudapi.Certificate{
		PemCertificate:      f.CA.Issue(f.t, pub, opts),
		PemCertificateChain: []string{f.CA.PEM},
	}, nil
}

// IssueCertificate implements cloudapi.CertificateServiceClient.
func (f *Issuer) IssueCertificate(ctx context.Context, in *cloudapi.IssueCertificateRequest, _ ...grpc.CallOption) (*cloudapi.IssueCertificateResponse, error) {
	f.Lock()
	gate := f.Gate
	f.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.Lock()
	used, known := f.tokens[in.EnrollmentToken]
	if known && !used {
		f.tokens[in.EnrollmentToken] = true
	}
	f.Unlock()

	switch {
	case !known:
		return &cloudapi.IssueCertificateResponse{Error: &cloudapi.IssueError{Code: cloudapi.CodeInvalidToken, Message: "Enrollment token expired"}}, nil
	case used:
		return &cloudapi.IssueCertificateResponse{Error: &cloudapi.IssueError{Code: cloudapi.CodeTokenUsed, Message: "Enrollment token already used"}}, nil
	}

	cert, err := f.sign(in.PemCSR)
	if err != nil {
		return &cloudapi.IssueCertificateResponse{Error: &cloudapi.IssueError{Code: cloudapi.CodeInvalidCSR, Message: err.Error()}}, nil
	}
	f.Lock()
	f.issued++
	f.Unlock()
	return &cloudapi.IssueCertificateResponse{Certificate: cert}, nil
}

// RefreshCertificate implements cloudapi.CertificateServiceClient.
func (f *Issuer) RefreshCertificate(_ context.Context, in *cloudapi.RefreshCertificateRequest, _ ...grpc.CallOption) (*cloudapi.RefreshCertificateResponse, error) {
	cert, err := f.sign(in.PemCSR)
	if err != nil {
		return nil, err
	}
	f.Lock()
	f.refreshed++
	f.Unlock()
	return &cloudapi.RefreshCertificateResponse{Certificate: *cert}, nil
}

// GetCertificateMetadata implements cloudapi.CertificateServiceClient.
func (f *Issuer) GetCertificateMetadata(context.Context, *cloudapi.GetCertificateMetadataRequest, ...grpc.CallOption) (*cloudapi.CertificateMetadata, error) {
	return &cloudapi.CertificateMetadata{}, nil
}
