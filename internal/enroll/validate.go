package enroll

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// ReceiveSignedCertificate checks an issued leaf-first chain against the key
// that requested it: the chain is non-empty, its links verify, the leaf
// public key equals pub and now lies within [notBefore, notAfter].
func ReceiveSignedCertificate(chainPEM []string, pub crypto.PublicKey, now time.Time) (*x509.Certificate, error) {
	certs, err := pki.ParseChain(chainPEM)
	if errors.Is(err, pki.ErrEmptyChain) {
		return nil, &ValidationError{Reason: ErrEmptyChain}
	}
	if err != nil {
		return nil, &ValidationError{Reason: ErrMalformedChain, Detail: err.Error()}
	}
	leaf := certs[0]

	if !pki.PublicKeysEqual(pub, leaf.PublicKey) {
		return nil, &ValidationError{Reason: ErrPublicKeyMismatch}
	}

	if now.Before(leaf.NotBefore) {
		return nil, &ValidationError{
			Reason: ErrCertificateNotYetValid,
			Detail: fmt.Sprintf("not before %s", leaf.NotBefore.UTC().Format(time.RFC3339)),
		}
	}
	if now.After(leaf.NotAfter) {
		return nil, &ValidationError{
			Reason: ErrCertificateExpired,
			Detail: fmt.Sprintf("not after %s", leaf.NotAfter.UTC().Format(time.RFC3339)),
		}
	}

	if err := pki.VerifyChainLinks(certs); err != nil {
		return nil, &ValidationError{Reason: ErrBrokenChain, Detail: err.Error()}
	}

	return leaf, nil
}

// checkIdentity verifies the leaf carries the URNs of id.
func checkIdentity(leaf *x509.Certificate, id identity.Identity) error {
	got, err := identity.FromURIs(leaf.URIs)
	if err != nil {
		return &ValidationError{Reason: ErrIdentityMismatch, Detail: err.Error()}
	}
	if got != id {
		return &ValidationError{Reason: ErrIdentityMismatch, Detail: fmt.Sprintf("issued for %s", got)}
	}
	return nil
}
