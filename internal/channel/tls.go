package channel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/wendylabs/wendy/internal/identity"
)

// Verification selects how the remote end of a connection is authenticated.
type Verification int

const (
	// VerifyHostname checks the chain against the roots and the server name.
	// Used for cloud endpoints.
	VerifyHostname Verification = iota
	// VerifyIdentityOnly checks the chain against the roots but not the
	// hostname; the SAN gate pins the peer instead. Used for devices, whose
	// certificates carry asset URNs rather than DNS names.
	VerifyIdentityOnly
	// VerifyNone skips chain and hostname checks. Only available in binaries
	// built with the debug tag. The SAN gate still applies.
	VerifyNone
)

func (v Verification) String() string {
	switch v {
	case VerifyHostname:
		return "hostname"
	case VerifyIdentityOnly:
		return "identity-only"
	case VerifyNone:
		return "none"
	default:
		return fmt.Sprintf("verification(%d)", int(v))
	}
}

// ErrInsecureNotAllowed is returned when VerifyNone is requested from a
// release build.
var ErrInsecureNotAllowed = errors.New("disabling TLS verification requires a debug build")

// InsecureAllowed reports whether this binary permits VerifyNone.
func InsecureAllowed() bool {
	return insecureAllowed
}

// handshakeRecorder remembers the last identity rejection seen on a channel
// until a handshake succeeds or the rejection is taken.
type handshakeRecorder struct {
	mu  sync.Mutex
	err error
}

func (r *handshakeRecorder) record(err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// take returns the recorded rejection and clears it.
func (r *handshakeRecorder) take() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	r.err = nil
	return err
}

// ClientOptions configures a client TLS config.
type ClientOptions struct {
	ServerName   string
	Credentials  *Credentials
	Matcher      *identity.PeerIdentityMatcher
	Verification Verification
	// Roots overrides the trust anchors. Defaults to the credential chain's
	// CAs, plus the system roots for VerifyHostname.
	Roots *x509.CertPool

	recorder *handshakeRecorder
}

// ClientTLSConfig builds a client config that presents opts.Credentials
// (when set) and rejects servers failing the verification mode or the SAN gate.
func ClientTLSConfig(opts ClientOptions) (*tls.Config, error) {
	if opts.Verification == VerifyNone && !insecureAllowed {
		return nil, ErrInsecureNotAllowed
	}

	roots := opts.Roots
	if roots == nil {
		var cas []*x509.Certificate
		if opts.Credentials != nil {
			cas = opts.Credentials.CAs
		}
		roots = PoolFromCerts(cas, opts.Verification == VerifyHostname)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.ServerName,
		RootCAs:    roots,
	}
	if opts.Credentials != nil {
		cfg.Certificates = []tls.Certificate{opts.Credentials.Certificate}
	}

	gate := identityGate(opts.Matcher, opts.recorder)

	switch opts.Verification {
	case VerifyHostname:
		cfg.VerifyConnection = gate
	case VerifyIdentityOnly:
		// Chain verification is done by hand below, without the hostname.
		cfg.InsecureSkipVerify = true // #nosec G402
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if err := verifyChain(cs.PeerCertificates, roots, x509.ExtKeyUsageServerAuth); err != nil {
				return err
			}
			return gate(cs)
		}
	case VerifyNone:
		cfg.InsecureSkipVerify = true // #nosec G402: debug builds only.
		cfg.VerifyConnection = gate
	default:
		return nil, fmt.Errorf("unknown verification mode %d", opts.Verification)
	}

	return cfg, nil
}

// ServerTLSConfig builds a server config that requires a client certificate
// chaining to clientCAs (defaulting to the server chain's CAs) and passing
// the SAN gate when matcher is set.
func ServerTLSConfig(creds Credentials, matcher *identity.PeerIdentityMatcher, clientCAs *x509.CertPool) *tls.Config {
	if clientCAs == nil {
		clientCAs = creds.Pool(false)
	}
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		Certificates:     []tls.Certificate{creds.Certificate},
		ClientAuth:       tls.RequireAndVerifyClientCert,
		ClientCAs:        clientCAs,
		VerifyConnection: identityGate(matcher, nil),
	}
}

func identityGate(matcher *identity.PeerIdentityMatcher, rec *handshakeRecorder) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if matcher != nil {
			var leaf *x509.Certificate
			if len(cs.PeerCertificates) > 0 {
				leaf = cs.PeerCertificates[0]
			}
			if err := matcher.MatchCertificate(leaf); err != nil {
				rec.record(err)
				return err
			}
		}
		rec.record(nil)
		return nil
	}
}

func verifyChain(certs []*x509.Certificate, roots *x509.CertPool, usage x509.ExtKeyUsage) error {
	if len(certs) == 0 {
		return errors.New("peer presented no certificate")
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}); err != nil {
		return fmt.Errorf("peer certificate verification failed: %w", err)
	}
	return nil
}
