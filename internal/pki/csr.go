package pki

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/wendylabs/wendy/internal/identity"
)

// Subject DN components shared by every request.
const (
	SubjectOrganization = "Wendy"
	SubjectCountry      = "US"
)

var oidExtensionSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// Request is a PEM-encoded CSR together with the key that signed it.
type Request struct {
	PEM       string
	SessionID string
	Key       *ecdsa.PrivateKey
}

// BuildRequest builds a signed CSR for id. When key is nil a new P-256 key
// is generated. Each call carries a fresh session URN, so two requests for
// the same identity and key differ only in that component.
func BuildRequest(id identity.Identity, key *ecdsa.PrivateKey) (*Request, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if key == nil {
		var err error
		if key, err = GenerateKey(); err != nil {
			return nil, err
		}
	}

	sessionID := uuid.NewString()
	sanURIs := append(id.URNs(), identity.SessionURN(sessionID))

	sanExt, err := marshalURISANs(sanURIs)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject:            Subject(id),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions: []pkix.Extension{{
			Id:       oidExtensionSubjectAltName,
			Critical: true,
			Value:    sanExt,
		}},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	return &Request{
		PEM:       string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der})),
		SessionID: sessionID,
		Key:       key,
	}, nil
}

// Subject returns the distinguished name used for id.
func Subject(id identity.Identity) pkix.Name {
	return pkix.Name{
		Country:            []string{SubjectCountry},
		Organization:       []string{SubjectOrganization},
		OrganizationalUnit: []string{fmt.Sprintf("org-%d", id.OrganizationID)},
		CommonName:         fmt.Sprintf("%s.%s.%d", id.Kind(), id.Subject(), id.OrganizationID),
	}
}

// ParseRequest decodes a PEM CSR and verifies its self-signature.
func ParseRequest(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != pemTypeCSR {
		return nil, fmt.Errorf("certificate request: %w", ErrNoPEMBlock)
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	return csr, nil
}

// IdentityFromRequest extracts the identity encoded in a CSR's URI SANs.
func IdentityFromRequest(csr *x509.CertificateRequest) (identity.Identity, error) {
	return identity.FromURIs(csr.URIs)
}

// marshalURISANs encodes a GeneralNames sequence of uniformResourceIdentifier entries.
func marshalURISANs(uris []string) ([]byte, error) {
	names := make([]asn1.RawValue, 0, len(uris))
	for _, raw := range uris {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid SAN uri %q: %w", raw, err)
		}
		names = append(names, asn1.RawValue{Tag: 6, Class: asn1.ClassContextSpecific, Bytes: []byte(raw)})
	}

	value, err := asn1.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SAN extension: %w", err)
	}
	return value, nil
}
