package pki

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/testutil"
)

func TestExpiryPolicy_Monotonic(t *testing.T) {
	ca := testutil.NewTestCA(t)
	key := testutil.NewKey(t)

	notBefore := time.Now().Add(-time.Hour).Truncate(time.Second)
	notAfter := notBefore.Add(48 * time.Hour)
	certPEM := ca.Issue(t, &key.PublicKey, testutil.LeafOptions{NotBefore: notBefore, NotAfter: notAfter})

	p := ExpiryPolicy{}
	offsets := []time.Duration{
		-72 * time.Hour, -time.Hour, -time.Second, -time.Nanosecond,
	}
	for _, off := range offsets {
		assert.False(t, p.NeedsRefresh(certPEM, notAfter.Add(off)), "offset %s", off)
	}
	for _, off := range []time.Duration{0, time.Nanosecond, time.Hour, 365 * 24 * time.Hour} {
		assert.True(t, p.NeedsRefresh(certPEM, notAfter.Add(off)), "offset %s", off)
	}
}

func TestExpiryPolicy_Unparsable(t *testing.T) {
	p := ExpiryPolicy{}
	for _, in := range []string{"", "garbage", "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"} {
		assert.True(t, p.NeedsRefresh(in, time.Unix(0, 0)))
		assert.True(t, p.NeedsRefresh(in, time.Now()))
		assert.Equal(t, CertStatusInvalid, p.Status(in, time.Now()))
	}
}

func TestExpiryPolicy_NotYetValidIsNotRefresh(t *testing.T) {
	ca := testutil.NewTestCA(t)
	key := testutil.NewKey(t)

	certPEM := ca.Issue(t, &key.PublicKey, testutil.LeafOptions{
		NotBefore: time.Now().Add(time.Hour),
		NotAfter:  time.Now().Add(48 * time.Hour),
	})

	p := ExpiryPolicy{}
	assert.False(t, p.NeedsRefresh(certPEM, time.Now()))
	assert.Equal(t, CertStatusNotYetValid, p.Status(certPEM, time.Now()))
}

func TestExpiryPolicy_Margin(t *testing.T) {
	ca := testutil.NewTestCA(t)
	key := testutil.NewKey(t)

	notAfter := time.Now().Add(12 * time.Hour)
	certPEM := ca.Issue(t, &key.PublicKey, testutil.LeafOptions{NotAfter: notAfter})
	cert, err := ParseCertificate(certPEM)
	require.NoError(t, err)

	withMargin := ExpiryPolicy{Margin: 24 * time.Hour}
	assert.True(t, withMargin.NeedsRefresh(certPEM, time.Now()))
	assert.Equal(t, CertStatusRenewalNeeded, withMargin.StatusCert(cert, time.Now()))

	noMargin := ExpiryPolicy{}
	assert.False(t, noMargin.NeedsRefresh(certPEM, time.Now()))
	assert.Equal(t, CertStatusValid, noMargin.StatusCert(cert, time.Now()))
	assert.Equal(t, CertStatusExpired, noMargin.StatusCert(cert, cert.NotAfter))
	assert.Equal(t, time.Duration(0), Remaining(cert, cert.NotAfter.Add(time.Minute)))
}

func TestParseChain(t *testing.T) {
	ca := testutil.NewTestCA(t)
	key := testutil.NewKey(t)
	leaf := ca.Issue(t, &key.PublicKey, testutil.LeafOptions{URIs: []string{"urn:wendy:org:1"}})

	certs, err := ParseChain([]string{leaf, ca.PEM})
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.NoError(t, VerifyChainLinks(certs))

	bundled, err := ParseChain([]string{JoinChain([]string{leaf, ca.PEM})})
	require.NoError(t, err)
	assert.Len(t, bundled, 2)

	_, err = ParseChain(nil)
	assert.ErrorIs(t, err, ErrEmptyChain)

	other := testutil.NewTestCA(t)
	certs, err = ParseChain([]string{leaf, other.PEM})
	require.NoError(t, err)
	assert.Error(t, VerifyChainLinks(certs))
}
