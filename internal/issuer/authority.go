// Package issuer is a self-contained certificate service for local
// development and end-to-end tests.
//
// It keeps a root and an intermediate CA on disk, mints single-use
// enrollment tokens, serves wendy.cloud.v1.CertificateService on one port
// for both plaintext issuance and mutual-TLS refresh, and hosts the
// dashboard page that hands tokens to the CLI callback.
package issuer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
	"github.com/wendylabs/wendy/internal/safe"
)

const (
	rootName         = "root-ca"
	intermediateName = "intermediate-ca"

	rootValidity         = 10 * 365 * 24 * time.Hour
	intermediateValidity = 5 * 365 * 24 * time.Hour
	serverValidity       = 90 * 24 * time.Hour

	// Backdating absorbs clock skew between issuer and clients.
	backdate = 5 * time.Minute
)

// Authority is a two-level CA: a root that signs one intermediate, which
// signs every leaf.
type Authority struct {
	rootCert         *x509.Certificate
	intermediateCert *x509.Certificate
	intermediateKey  *ecdsa.PrivateKey
	now              func() time.Time
}

// LeafRequest describes a leaf certificate to sign.
type LeafRequest struct {
	Identity  identity.Identity
	PublicKey any
	Validity  time.Duration
}

// LoadOrCreateAuthority loads the CA from dir, generating and saving a new
// one when none exists.
func LoadOrCreateAuthority(dir string, logger zerolog.Logger) (*Authority, error) {
	storage := newFilesystemStorage(dir, logger)

	if storage.exists(rootName) && storage.exists(intermediateName) {
		a, err := loadAuthority(storage)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA from %s: %w", dir, err)
		}
		logger.Info().Str("fingerprint", a.Fingerprint()).Msg("Loaded certificate authority")
		return a, nil
	}

	a, rootKey, err := generateAuthority(time.Now)
	if err != nil {
		return nil, err
	}
	if err := storage.saveCertAndKey(rootName, a.rootCert.Raw, rootKey); err != nil {
		return nil, err
	}
	if err := storage.saveCertAndKey(intermediateName, a.intermediateCert.Raw, a.intermediateKey); err != nil {
		return nil, err
	}
	logger.Info().Str("fingerprint", a.Fingerprint()).Str("dir", dir).Msg("Generated certificate authority")
	return a, nil
}

// NewEphemeralAuthority generates a CA kept only in memory.
func NewEphemeralAuthority() (*Authority, error) {
	a, _, err := generateAuthority(time.Now)
	return a, err
}

func loadAuthority(storage *filesystemStorage) (*Authority, error) {
	rootCert, err := storage.loadCert(rootName)
	if err != nil {
		return nil, err
	}
	intermediateCert, err := storage.loadCert(intermediateName)
	if err != nil {
		return nil, err
	}
	intermediateKey, err := storage.loadKey(intermediateName)
	if err != nil {
		return nil, err
	}
	if err := intermediateCert.CheckSignatureFrom(rootCert); err != nil {
		return nil, fmt.Errorf("intermediate is not signed by root: %w", err)
	}
	return &Authority{
		rootCert:         rootCert,
		intermediateCert: intermediateCert,
		intermediateKey:  intermediateKey,
		now:              time.Now,
	}, nil
}

func generateAuthority(now func() time.Time) (*Authority, *ecdsa.PrivateKey, error) {
	rootKey, err := pki.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate root key: %w", err)
	}

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{pki.SubjectOrganization},
			CommonName:   "Wendy Development Root CA",
		},
		NotBefore:             now().Add(-backdate),
		NotAfter:              now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	intermediateKey, err := pki.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate intermediate key: %w", err)
	}
	intermediateTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Organization: []string{pki.SubjectOrganization},
			CommonName:   "Wendy Development Intermediate CA",
		},
		NotBefore:             now().Add(-backdate),
		NotAfter:              now().Add(intermediateValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	intermediateDER, err := x509.CreateCertificate(rand.Reader, intermediateTemplate, rootCert, &intermediateKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create intermediate certificate: %w", err)
	}
	intermediateCert, err := x509.ParseCertificate(intermediateDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse intermediate certificate: %w", err)
	}

	return &Authority{
		rootCert:         rootCert,
		intermediateCert: intermediateCert,
		intermediateKey:  intermediateKey,
		now:              now,
	}, rootKey, nil
}

// IssueLeaf signs a client/server leaf for req.Identity. The leaf carries
// the organization and subject URNs and nothing else from the CSR.
func (a *Authority) IssueLeaf(req LeafRequest) (*x509.Certificate, error) {
	uris, err := req.Identity.URIs()
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	notBefore := a.now().Add(-backdate)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pki.Subject(req.Identity),
		NotBefore:    notBefore,
		NotAfter:     a.now().Add(req.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		// Devices present the same certificate as servers once provisioned.
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		URIs:        uris,
	}
	return a.sign(template, req.PublicKey)
}

// IssueServer generates a key and a server certificate for the issuer's own
// TLS endpoint, valid for hosts (DNS names or IP literals).
func (a *Authority) IssueServer(hosts []string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := pki.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}

	cloudURN, err := url.Parse("urn:" + identity.Namespace + ":cloud")
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{pki.SubjectOrganization},
			CommonName:   "wendy-devcloud",
		},
		NotBefore:   a.now().Add(-backdate),
		NotAfter:    a.now().Add(serverValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		URIs:        []*url.URL{cloudURN},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	cert, err := a.sign(template, &key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func (a *Authority) sign(template *x509.Certificate, pub any) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, a.intermediateCert, pub, a.intermediateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ChainPEM returns the leaf-first chain for leaf: leaf, intermediate, root.
func (a *Authority) ChainPEM(leaf *x509.Certificate) []string {
	return []string{
		pki.EncodeCertificate(leaf.Raw),
		pki.EncodeCertificate(a.intermediateCert.Raw),
		pki.EncodeCertificate(a.rootCert.Raw),
	}
}

// RootPEM returns the root certificate in PEM.
func (a *Authority) RootPEM() string {
	return pki.EncodeCertificate(a.rootCert.Raw)
}

// Roots returns a pool holding the root.
func (a *Authority) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.rootCert)
	return pool
}

// Intermediates returns a pool holding the intermediate.
func (a *Authority) Intermediates() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.intermediateCert)
	return pool
}

// Fingerprint returns the SHA-256 of the root certificate.
func (a *Authority) Fingerprint() string {
	sum := sha256.Sum256(a.rootCert.Raw)
	return hex.EncodeToString(sum[:])
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// filesystemStorage keeps CA material as <name>.crt / <name>.key in one
// directory.
type filesystemStorage struct {
	dir    string
	logger zerolog.Logger
}

func newFilesystemStorage(dir string, logger zerolog.Logger) *filesystemStorage {
	return &filesystemStorage{dir: dir, logger: logger}
}

func (f *filesystemStorage) path(name, ext string) string {
	return filepath.Join(f.dir, name+ext)
}

func (f *filesystemStorage) exists(name string) bool {
	_, certErr := os.Stat(f.path(name, ".crt"))
	_, keyErr := os.Stat(f.path(name, ".key"))
	return certErr == nil && keyErr == nil
}

func (f *filesystemStorage) saveCertAndKey(name string, certDER []byte, key *ecdsa.PrivateKey) error {
	opts := &safe.FileOptions{Perm: 0600, DirPerm: 0700}
	if err := safe.WriteFileAtomic(f.path(name, ".crt"), []byte(pki.EncodeCertificate(certDER)), opts, f.logger); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPEM, err := pki.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	if err := safe.WriteFileAtomic(f.path(name, ".key"), []byte(keyPEM), opts, f.logger); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func (f *filesystemStorage) loadCert(name string) (*x509.Certificate, error) {
	data, err := safe.ReadFile(f.path(name, ".crt"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return pki.ParseCertificate(string(data))
}

func (f *filesystemStorage) loadKey(name string) (*ecdsa.PrivateKey, error) {
	data, err := safe.ReadFile(f.path(name, ".key"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	return pki.DecodePrivateKey(string(data))
}
