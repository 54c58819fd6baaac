package issuer

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// ErrPolicy marks a CSR the issuer refuses to sign.
var ErrPolicy = errors.New("certificate request violates issuance policy")

// Policy holds the issuance rules.
type Policy struct {
	// LeafValidity is the lifetime of issued leaves.
	LeafValidity time.Duration
	// RefreshGrace is how long after expiry a certificate may still
	// authenticate a refresh.
	RefreshGrace time.Duration
}

// ValidateCSR checks that csr is self-signed, uses P-256 and requests
// exactly the identity want. The organization and subject URNs must both
// be present and the common name must match the one wendy clients build.
func (p Policy) ValidateCSR(csr *x509.CertificateRequest, want identity.Identity) error {
	if err := csr.CheckSignature(); err != nil {
		return fmt.Errorf("%w: invalid CSR signature: %v", ErrPolicy, err)
	}
	if csr.PublicKeyAlgorithm != x509.ECDSA {
		return fmt.Errorf("%w: unsupported key algorithm %s", ErrPolicy, csr.PublicKeyAlgorithm)
	}

	got, err := pki.IdentityFromRequest(csr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicy, err)
	}
	if got != want {
		return fmt.Errorf("%w: CSR requests %s, authorized for %s", ErrPolicy, got, want)
	}

	expectedCN := pki.Subject(want).CommonName
	if csr.Subject.CommonName != expectedCN {
		return fmt.Errorf("%w: CSR CN mismatch: expected %s, got %s", ErrPolicy, expectedCN, csr.Subject.CommonName)
	}
	return nil
}

// CanRefresh reports whether a client certificate may authenticate a
// refresh at now.
func (p Policy) CanRefresh(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: certificate not valid before %s", ErrPolicy, cert.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(cert.NotAfter.Add(p.RefreshGrace)) {
		return fmt.Errorf("%w: certificate expired at %s, beyond the refresh grace period", ErrPolicy, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}
