// Package channel builds the RPC channels used to talk to the cloud and to
// devices: plaintext channels for calls made before any identity exists, and
// mutual-TLS channels gated on the peer's organization and asset URNs.
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/wendylabs/wendy/internal/identity"
)

const defaultTLSPort = "443"

// Config contains factory configuration.
type Config struct {
	Logger zerolog.Logger
	// Roots overrides the trust anchors for every mTLS channel.
	Roots *x509.CertPool
	// Insecure disables chain and hostname verification. NewFactory rejects
	// it unless the binary was built with the debug tag.
	Insecure bool
}

// Factory creates channels.
type Factory struct {
	logger   zerolog.Logger
	roots    *x509.CertPool
	insecure bool
}

// NewFactory creates a factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Insecure && !insecureAllowed {
		return nil, ErrInsecureNotAllowed
	}
	f := &Factory{
		logger:   cfg.Logger.With().Str("component", "channel").Logger(),
		roots:    cfg.Roots,
		insecure: cfg.Insecure,
	}
	if f.insecure {
		f.logger.Warn().Msg("TLS server verification is disabled")
	}
	return f, nil
}

// Option adjusts an mTLS channel.
type Option func(*ClientOptions)

// WithVerification overrides the verification mode.
func WithVerification(v Verification) Option {
	return func(o *ClientOptions) { o.Verification = v }
}

// WithRoots overrides the trust anchors.
func WithRoots(pool *x509.CertPool) Option {
	return func(o *ClientOptions) { o.Roots = pool }
}

// WithServerName overrides the TLS server name.
func WithServerName(name string) Option {
	return func(o *ClientOptions) { o.ServerName = name }
}

// RejectedError reports a connection refused because the peer failed
// authentication, as opposed to a network failure.
type RejectedError struct {
	Endpoint string
	Reason   error
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("peer %s rejected: %v", e.Endpoint, e.Reason)
}

// Unwrap exposes both the rejection reason and the underlying call error.
func (e *RejectedError) Unwrap() []error {
	return []error{e.Reason, e.Err}
}

// IsRejected reports whether err is an authentication rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type classifier struct {
	endpoint string
	host     string
	port     string
	rec      *handshakeRecorder
	logger   zerolog.Logger
}

func newClassifier(endpoint, host, port string, logger zerolog.Logger) classifier {
	return classifier{
		endpoint: endpoint,
		host:     host,
		port:     port,
		rec:      &handshakeRecorder{},
		logger:   logger.With().Str("host", host).Str("port", port).Logger(),
	}
}

// Classify wraps err in a RejectedError when the handshake failed the SAN
// gate. The rejection is consumed, so a later failure on the same channel is
// classified on its own. Other transport failures are logged and returned
// unchanged.
func (c classifier) Classify(err error) error {
	if err == nil {
		return nil
	}
	if reason := c.rec.take(); reason != nil {
		c.logger.Warn().Err(reason).Msg("Peer rejected during handshake")
		return &RejectedError{Endpoint: c.endpoint, Reason: reason, Err: err}
	}
	if isUnreachable(err) {
		c.logger.Error().Err(err).Msg("Peer unreachable")
	}
	return err
}

func isUnreachable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded:
		return true
	}
	return false
}

// Channel is a gRPC client connection that classifies call errors.
type Channel struct {
	classifier
	conn   *grpc.ClientConn
	secure bool
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

// Invoke implements grpc.ClientConnInterface.
func (c *Channel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return c.Classify(c.conn.Invoke(ctx, method, args, reply, opts...))
}

// NewStream implements grpc.ClientConnInterface.
func (c *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	s, err := c.conn.NewStream(ctx, desc, method, opts...)
	return s, c.Classify(err)
}

// Endpoint returns host:port.
func (c *Channel) Endpoint() string { return c.endpoint }

// Secure reports whether the channel uses mutual TLS.
func (c *Channel) Secure() bool { return c.secure }

// Close closes the connection.
func (c *Channel) Close() error { return c.conn.Close() }

// Plaintext opens an unauthenticated gRPC channel.
func (f *Factory) Plaintext(endpoint string) (*Channel, error) {
	host, port, err := splitEndpoint(endpoint, "80")
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, port)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		f.logger.Error().Err(err).Str("host", host).Str("port", port).Msg("Failed to create plaintext channel")
		return nil, err
	}

	return &Channel{classifier: newClassifier(target, host, port, f.logger), conn: conn}, nil
}

// MTLS opens a mutual-TLS gRPC channel presenting creds. When matcher is
// set the server's certificate must carry its URNs. Cloud endpoints are
// verified with VerifyHostname by default.
func (f *Factory) MTLS(endpoint string, creds Credentials, matcher *identity.PeerIdentityMatcher, opts ...Option) (*Channel, error) {
	host, port, err := splitEndpoint(endpoint, defaultTLSPort)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, port)
	cls := newClassifier(target, host, port, f.logger)

	tlsCfg, err := f.clientConfig(host, &creds, matcher, VerifyHostname, cls.rec, opts)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		cls.logger.Error().Err(err).Msg("Failed to create mTLS channel")
		return nil, err
	}

	return &Channel{classifier: cls, conn: conn, secure: true}, nil
}

// HTTPChannel is an HTTP client for Connect services with the same trust
// decisions as Channel.
type HTTPChannel struct {
	classifier
	Client  *http.Client
	BaseURL string
	secure  bool
}

// Secure reports whether the channel uses mutual TLS.
func (h *HTTPChannel) Secure() bool { return h.secure }

// Close releases idle connections.
func (h *HTTPChannel) Close() {
	h.Client.CloseIdleConnections()
}

// PlaintextHTTP returns an h2c client for an unprovisioned agent.
func (f *Factory) PlaintextHTTP(endpoint string) (*HTTPChannel, error) {
	host, port, err := splitEndpoint(endpoint, "80")
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, port)

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: 30 * time.Second,
			PingTimeout:     15 * time.Second,
		},
	}

	return &HTTPChannel{
		classifier: newClassifier(target, host, port, f.logger),
		Client:     client,
		BaseURL:    "http://" + target,
	}, nil
}

// MTLSHTTP returns an HTTPS client presenting creds. Devices are verified
// with VerifyIdentityOnly by default, so matcher should pin the asset.
func (f *Factory) MTLSHTTP(endpoint string, creds Credentials, matcher *identity.PeerIdentityMatcher, opts ...Option) (*HTTPChannel, error) {
	host, port, err := splitEndpoint(endpoint, defaultTLSPort)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, port)
	cls := newClassifier(target, host, port, f.logger)

	tlsCfg, err := f.clientConfig(host, &creds, matcher, VerifyIdentityOnly, cls.rec, opts)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPChannel{
		classifier: cls,
		Client:     &http.Client{Transport: transport},
		BaseURL:    "https://" + target,
		secure:     true,
	}, nil
}

func (f *Factory) clientConfig(
	host string,
	creds *Credentials,
	matcher *identity.PeerIdentityMatcher,
	defaultMode Verification,
	rec *handshakeRecorder,
	opts []Option,
) (*tls.Config, error) {
	o := ClientOptions{
		ServerName:   host,
		Credentials:  creds,
		Matcher:      matcher,
		Verification: defaultMode,
		Roots:        f.roots,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if f.insecure {
		o.Verification = VerifyNone
	}
	o.recorder = rec

	return ClientTLSConfig(o)
}

func splitEndpoint(endpoint, defaultPort string) (string, string, error) {
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" {
		return "", "", errors.New("endpoint is required")
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return endpoint, defaultPort, nil
		}
		return "", "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return host, port, nil
}
