package issuer

import (
	"crypto/x509"
	"sort"
	"sync"
	"time"

	"github.com/wendylabs/wendy/internal/identity"
)

// CertificateRecord describes an issued certificate.
type CertificateRecord struct {
	SerialNumber string
	Identity     identity.Identity
	IssuedAt     time.Time
	ExpiresAt    time.Time
	// Replaces is the serial of the certificate this one refreshed.
	Replaces string
}

// Registry tracks issued certificates in memory.
type Registry struct {
	mu      sync.RWMutex
	records map[string]CertificateRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]CertificateRecord)}
}

// Record stores cert, optionally noting the certificate it replaces.
func (r *Registry) Record(cert *x509.Certificate, id identity.Identity, replaces string) CertificateRecord {
	rec := CertificateRecord{
		SerialNumber: cert.SerialNumber.String(),
		Identity:     id,
		IssuedAt:     cert.NotBefore,
		ExpiresAt:    cert.NotAfter,
		Replaces:     replaces,
	}
	r.mu.Lock()
	r.records[rec.SerialNumber] = rec
	r.mu.Unlock()
	return rec
}

// Get returns the record for serial.
func (r *Registry) Get(serial string) (CertificateRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[serial]
	return rec, ok
}

// List returns the records for org (all organizations when org is 0),
// oldest first.
func (r *Registry) List(org int32) []CertificateRecord {
	r.mu.RLock()
	out := make([]CertificateRecord, 0, len(r.records))
	for _, rec := range r.records {
		if org == 0 || rec.Identity.OrganizationID == org {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].SerialNumber < out[j].SerialNumber
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
