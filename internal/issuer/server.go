package issuer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/pki"
)

// Config contains issuer server configuration.
type Config struct {
	// GRPCAddr serves the certificate service, plaintext and mTLS.
	GRPCAddr string
	// DashboardAddr serves the login page. Empty disables it.
	DashboardAddr string
	// StateDir holds the CA and the token secret. Empty keeps both in
	// memory for the lifetime of the server.
	StateDir string
	// Hosts are the names on the server certificate.
	Hosts []string
	Users []User

	Policy   Policy
	TokenTTL time.Duration

	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Server runs the certificate service and the dashboard.
type Server struct {
	authority *Authority
	tokens    *TokenManager
	registry  *Registry
	service   *Service
	dashboard *dashboard

	grpcLn          net.Listener
	dashLn          net.Listener
	tlsConfig       *tls.Config
	policy          Policy
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

// New loads state and binds the listeners.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger.With().Str("component", "devcloud").Logger()

	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = constants.DefaultDevCloudGRPCAddr
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	if cfg.Policy.LeafValidity == 0 {
		cfg.Policy.LeafValidity = constants.DefaultCertificateValidity
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = constants.DefaultEnrollmentTokenTTL
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = constants.DefaultShutdownTimeout
	}

	var (
		authority *Authority
		secret    []byte
		err       error
	)
	if cfg.StateDir != "" {
		if authority, err = LoadOrCreateAuthority(cfg.StateDir, logger); err != nil {
			return nil, err
		}
		if secret, err = LoadOrCreateSecret(cfg.StateDir, logger); err != nil {
			return nil, err
		}
	} else {
		if authority, err = NewEphemeralAuthority(); err != nil {
			return nil, err
		}
		secret = make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}

	tokens, err := NewTokenManager(TokenConfig{Secret: secret, DefaultTTL: cfg.TokenTTL})
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()

	s := &Server{
		authority: authority,
		tokens:    tokens,
		registry:  registry,
		service: NewService(ServiceConfig{
			Authority: authority,
			Tokens:    tokens,
			Registry:  registry,
			Policy:    cfg.Policy,
			Logger:    logger,
		}),
		policy:          cfg.Policy,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}

	if s.tlsConfig, err = s.buildTLSConfig(cfg.Hosts); err != nil {
		return nil, err
	}

	if cfg.DashboardAddr != "" {
		if s.dashboard, err = newDashboard(cfg.Users, tokens, authority, cfg.TokenTTL, logger); err != nil {
			return nil, err
		}
	}

	if s.grpcLn, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	if s.dashboard != nil {
		if s.dashLn, err = net.Listen("tcp", cfg.DashboardAddr); err != nil {
			_ = s.grpcLn.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.DashboardAddr, err)
		}
	}

	return s, nil
}

// buildTLSConfig requires a client certificate from the issuer's CA. Expiry
// is checked against the refresh grace period instead of the strict
// validity window, so a device that slept past expiry can still refresh.
func (s *Server) buildTLSConfig(hosts []string) (*tls.Config, error) {
	cert, key, err := s.authority.IssueServer(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to issue server certificate: %w", err)
	}
	chain := s.authority.ChainPEM(cert)
	keyPEM, err := pki.EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair([]byte(pki.JoinChain(chain[:2])), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	roots := s.authority.Roots()
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return s.verifyClient(rawCerts, roots)
		},
	}, nil
}

func (s *Server) verifyClient(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("client certificate required")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse client certificate: %w", err)
		}
		certs = append(certs, c)
	}
	leaf := certs[0]

	now := time.Now()
	if err := s.policy.CanRefresh(leaf, now); err != nil {
		return err
	}
	verifyAt := now
	if verifyAt.After(leaf.NotAfter) {
		verifyAt = leaf.NotAfter
	}

	intermediates := s.authority.Intermediates()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return fmt.Errorf("client certificate verification failed: %w", err)
	}
	return nil
}

// GRPCAddr returns the bound certificate service address.
func (s *Server) GRPCAddr() string {
	return s.grpcLn.Addr().String()
}

// DashboardURL returns the dashboard base URL, or "" when disabled.
func (s *Server) DashboardURL() string {
	if s.dashLn == nil {
		return ""
	}
	return "http://" + s.dashLn.Addr().String()
}

// Authority returns the CA.
func (s *Server) Authority() *Authority { return s.authority }

// Tokens returns the token manager.
func (s *Server) Tokens() *TokenManager { return s.tokens }

// Registry returns the issued-certificate registry.
func (s *Server) Registry() *Registry { return s.registry }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := newProtocolMux(s.grpcLn, s.logger)

	plainSrv := grpc.NewServer()
	cloudapi.RegisterCertificateServiceServer(plainSrv, s.service)
	tlsSrv := grpc.NewServer(grpc.Creds(credentials.NewTLS(s.tlsConfig)))
	cloudapi.RegisterCertificateServiceServer(tlsSrv, s.service)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(mux.Serve)
	g.Go(func() error { return serveGRPC(plainSrv, mux.plain) })
	g.Go(func() error { return serveGRPC(tlsSrv, mux.tls) })

	var httpSrv *http.Server
	if s.dashboard != nil {
		httpSrv = &http.Server{
			Handler:           s.dashboard.handler(),
			ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
		}
		g.Go(func() error {
			if err := httpSrv.Serve(s.dashLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("Shutting down")
		_ = mux.Close()
		stopGRPC(plainSrv, s.shutdownTimeout)
		stopGRPC(tlsSrv, s.shutdownTimeout)
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return httpSrv.Close()
			}
		}
		return nil
	})

	s.logger.Info().
		Str("grpc_addr", s.GRPCAddr()).
		Str("dashboard_url", s.DashboardURL()).
		Str("ca_fingerprint", s.authority.Fingerprint()).
		Msg("Development cloud listening")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveGRPC(srv *grpc.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

func stopGRPC(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}
