package channel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/pki"
)

// Credentials is a client or server identity: the key pair presented in the
// handshake and the CA certificates that came with its chain.
type Credentials struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	// CAs are the CA certificates from the issued chain.
	CAs []*x509.Certificate
}

// CredentialsFromEntry loads a stored entry.
func CredentialsFromEntry(e certstore.CertificateEntry) (Credentials, error) {
	return CredentialsFromPEM(e.CertificateChainPEM, e.PrivateKeyPEM)
}

// CredentialsFromPEM builds credentials from a leaf-first chain and PKCS#8 key.
func CredentialsFromPEM(chainPEM []string, keyPEM string) (Credentials, error) {
	certs, err := pki.ParseChain(chainPEM)
	if err != nil {
		return Credentials{}, err
	}

	tlsCert, err := tls.X509KeyPair([]byte(pki.JoinChain(chainPEM)), []byte(keyPEM))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load key pair: %w", err)
	}

	creds := Credentials{Certificate: tlsCert, Leaf: certs[0]}
	for _, c := range certs[1:] {
		if c.IsCA {
			creds.CAs = append(creds.CAs, c)
		}
	}
	return creds, nil
}

// Pool returns a pool of the chain's CA certificates, optionally on top of
// the system roots.
func (c Credentials) Pool(withSystem bool) *x509.CertPool {
	return PoolFromCerts(c.CAs, withSystem)
}

// PoolFromCerts builds a CertPool from certs, optionally on top of the
// system roots.
func PoolFromCerts(certs []*x509.Certificate, withSystem bool) *x509.CertPool {
	var pool *x509.CertPool
	if withSystem {
		if sys, err := x509.SystemCertPool(); err == nil {
			pool = sys
		}
	}
	if pool == nil {
		pool = x509.NewCertPool()
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

// PoolFromChain parses chainPEM and returns a pool of its CA certificates.
func PoolFromChain(chainPEM []string, withSystem bool) (*x509.CertPool, error) {
	certs, err := pki.ParseChain(chainPEM)
	if err != nil {
		return nil, err
	}
	var cas []*x509.Certificate
	for _, c := range certs {
		if c.IsCA {
			cas = append(cas, c)
		}
	}
	return PoolFromCerts(cas, withSystem), nil
}
