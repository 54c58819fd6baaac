// Package cloudapi is the wire contract of the cloud certificate service.
//
// The service is served over gRPC with the JSON codec from
// internal/rpc/jsoncodec. IssueCertificate is called over plaintext and is
// authorized by a single-use enrollment token; RefreshCertificate and
// GetCertificateMetadata require mutual TLS with the caller's current
// certificate.
package cloudapi

import "time"

// IssueCertificateRequest exchanges an enrollment token and CSR for a certificate.
type IssueCertificateRequest struct {
	EnrollmentToken string `json:"enrollmentToken"`
	PemCSR          string `json:"pemCsr"`
}

// Certificate is an issued leaf plus the chain above it.
type Certificate struct {
	PemCertificate      string   `json:"pemCertificate"`
	PemCertificateChain []string `json:"pemCertificateChain,omitempty"`
}

// Chain returns the leaf-first chain. A chain that already starts with the
// leaf is not duplicated.
func (c *Certificate) Chain() []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.PemCertificate != "" {
		out = append(out, c.PemCertificate)
	}
	for i, pem := range c.PemCertificateChain {
		if i == 0 && pem == c.PemCertificate {
			continue
		}
		out = append(out, pem)
	}
	return out
}

// IssueError is an explicit refusal from the issuer.
type IssueError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// IssueCertificateResponse carries either a certificate or an error.
type IssueCertificateResponse struct {
	Certificate *Certificate `json:"certificate,omitempty"`
	Error       *IssueError  `json:"error,omitempty"`
}

// RefreshCertificateRequest asks for a new certificate for the caller's
// identity, bound to a fresh key.
type RefreshCertificateRequest struct {
	PemCSR string `json:"pemCsr"`
}

// RefreshCertificateResponse is the replacement certificate.
type RefreshCertificateResponse struct {
	Certificate
}

// GetCertificateMetadataRequest has no fields.
type GetCertificateMetadataRequest struct{}

// CertificateMetadata describes the certificate the caller authenticated with.
type CertificateMetadata struct {
	OrganizationID int32     `json:"organizationId"`
	UserID         string    `json:"userId,omitempty"`
	AssetID        string    `json:"assetId,omitempty"`
	SerialNumber   string    `json:"serialNumber"`
	Issuer         string    `json:"issuer"`
	NotBefore      time.Time `json:"notBefore"`
	NotAfter       time.Time `json:"notAfter"`
}

// Error codes carried in IssueError.Code.
const (
	CodeInvalidToken = "invalid_token"
	CodeTokenUsed    = "token_used"
	CodeInvalidCSR   = "invalid_csr"
	CodeInternal     = "internal"
)
