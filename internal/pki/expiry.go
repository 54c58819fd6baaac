package pki

import (
	"crypto/x509"
	"time"
)

// CertStatus classifies a certificate against the current time.
type CertStatus string

const (
	// CertStatusValid indicates the certificate is usable without refresh.
	CertStatusValid CertStatus = "valid"

	// CertStatusRenewalNeeded indicates the certificate is inside the refresh margin.
	CertStatusRenewalNeeded CertStatus = "renewal_needed"

	// CertStatusExpired indicates notAfter has passed.
	CertStatusExpired CertStatus = "expired"

	// CertStatusNotYetValid indicates notBefore is in the future.
	CertStatusNotYetValid CertStatus = "not_yet_valid"

	// CertStatusInvalid indicates the certificate could not be parsed.
	CertStatusInvalid CertStatus = "invalid"
)

// ExpiryPolicy decides when a certificate must be refreshed.
//
// With a zero Margin a certificate is refreshed exactly when now >= notAfter.
// A positive Margin moves that point earlier by Margin.
type ExpiryPolicy struct {
	Margin time.Duration
}

// NeedsRefresh reports whether certPEM must be refreshed at now. Input that
// cannot be parsed always needs refresh. A certificate that is not yet valid
// does not.
func (p ExpiryPolicy) NeedsRefresh(certPEM string, now time.Time) bool {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return true
	}
	return p.needsRefresh(cert, now)
}

// NeedsRefreshCert is NeedsRefresh for an already parsed certificate.
func (p ExpiryPolicy) NeedsRefreshCert(cert *x509.Certificate, now time.Time) bool {
	if cert == nil {
		return true
	}
	return p.needsRefresh(cert, now)
}

func (p ExpiryPolicy) needsRefresh(cert *x509.Certificate, now time.Time) bool {
	return !now.Before(cert.NotAfter.Add(-p.Margin))
}

// Status classifies certPEM at now.
func (p ExpiryPolicy) Status(certPEM string, now time.Time) CertStatus {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return CertStatusInvalid
	}
	return p.StatusCert(cert, now)
}

// StatusCert classifies an already parsed certificate at now.
func (p ExpiryPolicy) StatusCert(cert *x509.Certificate, now time.Time) CertStatus {
	switch {
	case cert == nil:
		return CertStatusInvalid
	case !now.Before(cert.NotAfter):
		return CertStatusExpired
	case now.Before(cert.NotBefore):
		return CertStatusNotYetValid
	case p.needsRefresh(cert, now):
		return CertStatusRenewalNeeded
	default:
		return CertStatusValid
	}
}

// Remaining returns the time left until notAfter, or zero once expired.
func Remaining(cert *x509.Certificate, now time.Time) time.Duration {
	if cert == nil || !now.Before(cert.NotAfter) {
		return 0
	}
	return cert.NotAfter.Sub(now)
}
