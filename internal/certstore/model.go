package certstore

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// PersistedConfig is the on-disk document.
type PersistedConfig struct {
	Auth []AuthRecord `json:"auth"`
}

// Target identifies a cloud deployment by its dashboard and gRPC endpoints.
type Target struct {
	DashboardURL string `json:"cloudDashboardURL"`
	GRPCHost     string `json:"cloudGRPCHost"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s)", t.DashboardURL, t.GRPCHost)
}

// AuthRecord holds the credentials issued by one cloud deployment.
type AuthRecord struct {
	CloudDashboardURL string             `json:"cloudDashboardURL"`
	CloudGRPCHost     string             `json:"cloudGRPCHost"`
	Certificates      []CertificateEntry `json:"certificates"`
}

// CertificateEntry is one issued identity: its key and leaf-first chain.
type CertificateEntry struct {
	OrganizationID      int32    `json:"organizationId"`
	UserID              string   `json:"userId,omitempty"`
	AssetID             string   `json:"assetId,omitempty"`
	PrivateKeyPEM       string   `json:"privateKeyPEM"`
	CertificateChainPEM []string `json:"certificateChainPEM"`
}

// Target returns the record key.
func (r AuthRecord) Target() Target {
	return Target{DashboardURL: r.CloudDashboardURL, GRPCHost: r.CloudGRPCHost}
}

// Entry returns the certificate for id, if present.
func (r AuthRecord) Entry(id identity.Identity) (CertificateEntry, bool) {
	for _, e := range r.Certificates {
		if e.Identity() == id {
			return e, true
		}
	}
	return CertificateEntry{}, false
}

// PutEntry stores e, replacing any entry with the same organization and subject.
func (r *AuthRecord) PutEntry(e CertificateEntry) {
	for i := range r.Certificates {
		if r.Certificates[i].Identity() == e.Identity() {
			r.Certificates[i] = e
			return
		}
	}
	r.Certificates = append(r.Certificates, e)
}

// Upsert replaces the record with the same dashboard and gRPC host, or
// appends r when there is none.
func (c *PersistedConfig) Upsert(r AuthRecord) {
	kept := make([]AuthRecord, 0, len(c.Auth)+1)
	for _, existing := range c.Auth {
		if existing.Target() != r.Target() {
			kept = append(kept, existing)
		}
	}
	c.Auth = append(kept, r)
}

// Record returns the record for t.
func (c PersistedConfig) Record(t Target) (AuthRecord, bool) {
	for _, r := range c.Auth {
		if r.Target() == t {
			return r, true
		}
	}
	return AuthRecord{}, false
}

// PutEntry stores e under t, creating the record if needed. Other entries of
// the record are preserved.
func (c *PersistedConfig) PutEntry(t Target, e CertificateEntry) {
	for i := range c.Auth {
		if c.Auth[i].Target() == t {
			c.Auth[i].PutEntry(e)
			return
		}
	}
	c.Auth = append(c.Auth, AuthRecord{
		CloudDashboardURL: t.DashboardURL,
		CloudGRPCHost:     t.GRPCHost,
		Certificates:      []CertificateEntry{e},
	})
}

// Entry looks up id under t.
func (c PersistedConfig) Entry(t Target, id identity.Identity) (CertificateEntry, bool) {
	r, ok := c.Record(t)
	if !ok {
		return CertificateEntry{}, false
	}
	return r.Entry(id)
}

// Identity returns the identity the entry was issued for.
func (e CertificateEntry) Identity() identity.Identity {
	return identity.Identity{OrganizationID: e.OrganizationID, UserID: e.UserID, AssetID: e.AssetID}
}

// Leaf parses the leaf certificate.
func (e CertificateEntry) Leaf() (*x509.Certificate, error) {
	return pki.Leaf(e.CertificateChainPEM)
}

// LeafPEM returns the PEM of the leaf certificate, or "" for an empty chain.
func (e CertificateEntry) LeafPEM() string {
	if len(e.CertificateChainPEM) == 0 {
		return ""
	}
	return e.CertificateChainPEM[0]
}

// PrivateKey decodes the stored key.
func (e CertificateEntry) PrivateKey() (*ecdsa.PrivateKey, error) {
	return pki.DecodePrivateKey(e.PrivateKeyPEM)
}

// TLSCertificate builds a tls.Certificate presenting the full chain.
func (e CertificateEntry) TLSCertificate() (tls.Certificate, error) {
	if len(e.CertificateChainPEM) == 0 {
		return tls.Certificate{}, pki.ErrEmptyChain
	}
	cert, err := tls.X509KeyPair([]byte(pki.JoinChain(e.CertificateChainPEM)), []byte(e.PrivateKeyPEM))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair for %s: %w", e.Identity(), err)
	}
	return cert, nil
}

// NewEntry builds an entry from an identity, key and chain.
func NewEntry(id identity.Identity, key *ecdsa.PrivateKey, chainPEM []string) (CertificateEntry, error) {
	keyPEM, err := pki.EncodePrivateKey(key)
	if err != nil {
		return CertificateEntry{}, err
	}
	return CertificateEntry{
		OrganizationID:      id.OrganizationID,
		UserID:              id.UserID,
		AssetID:             id.AssetID,
		PrivateKeyPEM:       keyPEM,
		CertificateChainPEM: append([]string(nil), chainPEM...),
	}, nil
}
