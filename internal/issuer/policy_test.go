package issuer

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

func TestPolicy_ValidateCSR(t *testing.T) {
	p := Policy{}
	id := identity.User(42, "u1")

	req, err := pki.BuildRequest(id, nil)
	require.NoError(t, err)
	csr, err := pki.ParseRequest(req.PEM)
	require.NoError(t, err)

	assert.NoError(t, p.ValidateCSR(csr, id))

	err = p.ValidateCSR(csr, identity.User(43, "u1"))
	assert.ErrorIs(t, err, ErrPolicy)

	err = p.ValidateCSR(csr, identity.Asset(42, "u1"))
	assert.ErrorIs(t, err, ErrPolicy)
}

func TestPolicy_CanRefresh(t *testing.T) {
	now := time.Now()
	cert := &x509.Certificate{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	p := Policy{RefreshGrace: 24 * time.Hour}

	assert.NoError(t, p.CanRefresh(cert, now))
	assert.NoError(t, p.CanRefresh(cert, now.Add(12*time.Hour)), "inside grace")
	assert.ErrorIs(t, p.CanRefresh(cert, now.Add(26*time.Hour)), ErrPolicy)
	assert.ErrorIs(t, p.CanRefresh(cert, now.Add(-2*time.Hour)), ErrPolicy)

	strict := Policy{}
	assert.ErrorIs(t, strict.CanRefresh(cert, now.Add(2*time.Hour)), ErrPolicy)
}
