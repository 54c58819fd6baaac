package pki

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyChain is returned for a certificate chain with no certificates.
var ErrEmptyChain = errors.New("certificate chain is empty")

// ParseCertificate decodes the first CERTIFICATE block of certPEM.
func ParseCertificate(certPEM string) (*x509.Certificate, error) {
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("certificate: %w", ErrNoPEMBlock)
		}
		if block.Type != pemTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert, nil
	}
}

// ParseChain decodes a leaf-first chain. Each element may itself hold more
// than one PEM block; all certificates are returned in order.
func ParseChain(chainPEM []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, element := range chainPEM {
		rest := []byte(element)
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != pemTypeCertificate {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate %d in chain: %w", i, err)
			}
			certs = append(certs, cert)
		}
	}
	if len(certs) == 0 {
		return nil, ErrEmptyChain
	}
	return certs, nil
}

// Leaf returns the first certificate of a chain.
func Leaf(chainPEM []string) (*x509.Certificate, error) {
	if len(chainPEM) == 0 {
		return nil, ErrEmptyChain
	}
	return ParseCertificate(chainPEM[0])
}

// VerifyChainLinks checks that every certificate is signed by its successor.
// The final element is not required to be self-signed.
func VerifyChainLinks(certs []*x509.Certificate) error {
	for i := 0; i+1 < len(certs); i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return fmt.Errorf("certificate %d is not signed by certificate %d: %w", i, i+1, err)
		}
	}
	return nil
}

// EncodeCertificate serializes a DER certificate to PEM.
func EncodeCertificate(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}))
}

// JoinChain concatenates chain elements into a single PEM bundle.
func JoinChain(chainPEM []string) string {
	var b strings.Builder
	for _, element := range chainPEM {
		b.WriteString(element)
		if !strings.HasSuffix(element, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
