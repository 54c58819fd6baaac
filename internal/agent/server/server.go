// Package server runs the agent's provisioning listener.
//
// An unprovisioned agent serves the provisioning service over plaintext
// HTTP/2 so an operator can hand it an enrollment token. Once credentials are
// stored the listener is rebound with mutual TLS, accepting only clients of
// the device's organization, and a background loop keeps the certificate
// fresh.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wendylabs/wendy/internal/agent/provisioning"
	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// Config contains agent server configuration.
type Config struct {
	// ListenAddr is where the provisioning service listens.
	ListenAddr string
	// StateDir holds config.json with the asset credentials.
	StateDir string
	// CloudHost is the default certificate service for provisioning.
	CloudHost string

	RefreshInterval time.Duration
	RefreshMargin   time.Duration
	ShutdownTimeout time.Duration

	// Connector overrides how the certificate service is reached.
	Connector enroll.Connector
	// Factory builds cloud channels when Connector is nil.
	Factory *channel.Factory

	// OnListen is called each time the listener is bound.
	OnListen func(addr string, secure bool)
	Logger   zerolog.Logger
}

// Server is the agent's provisioning endpoint.
type Server struct {
	cfg          Config
	enroller     *enroll.Enroller
	provisioning *provisioning.Service
	logger       zerolog.Logger

	mu   sync.RWMutex
	addr string
	cert *tls.Certificate
}

// New creates a Server backed by the credentials in cfg.StateDir.
func New(cfg Config) (*Server, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", constants.DefaultAgentPort)
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = constants.DefaultRefreshCheckInterval
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = constants.DefaultRefreshMargin
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	logger := cfg.Logger.With().Str("component", "agent-server").Logger()

	store, err := certstore.New(certstore.Config{
		Path:   filepath.Join(cfg.StateDir, constants.CredentialsFile),
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	connector := cfg.Connector
	if connector == nil {
		factory := cfg.Factory
		if factory == nil {
			if factory, err = channel.NewFactory(channel.Config{Logger: cfg.Logger}); err != nil {
				return nil, err
			}
		}
		connector = enroll.ChannelConnector{Factory: factory}
	}

	enroller, err := enroll.New(enroll.Config{
		Store:     store,
		Connector: connector,
		Metrics:   enroll.NewMetrics(cfg.Logger),
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	prov, err := provisioning.New(provisioning.Config{
		Enroller:         enroller,
		DefaultCloudHost: cfg.CloudHost,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Server{cfg: cfg, enroller: enroller, provisioning: prov, logger: logger}, nil
}

// Provisioning returns the provisioning service.
func (s *Server) Provisioning() *provisioning.Service {
	return s.provisioning
}

// Addr returns the bound address, or "" before the first bind.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Run serves until ctx is cancelled. It switches from plaintext to mutual
// TLS at most once, right after provisioning succeeds.
func (s *Server) Run(ctx context.Context) error {
	c, ok := s.provisioning.Current()
	if !ok {
		restarted, err := s.servePlaintext(ctx)
		if err != nil || !restarted {
			return err
		}
		if c, ok = s.provisioning.Current(); !ok {
			return fmt.Errorf("provisioning signaled but no credentials are stored")
		}
		s.logger.Info().Msg("Restarting listener with mutual TLS")
	}
	return s.serveSecure(ctx, c)
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	path, h := agentapi.NewProvisioningServiceHandler(s.provisioning)
	mux.Handle(path, h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// listen binds the configured address the first time and the same resolved
// address afterwards, so clients keep using one port across the restart.
func (s *Server) listen(secure bool) (net.Listener, error) {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = s.cfg.ListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	bound := s.addr
	s.mu.Unlock()

	s.logger.Info().Str("addr", bound).Bool("mtls", secure).Msg("Provisioning service listening")
	if s.cfg.OnListen != nil {
		s.cfg.OnListen(bound, secure)
	}
	return ln, nil
}

// servePlaintext serves h2c until ctx is done or provisioning completes.
func (s *Server) servePlaintext(ctx context.Context) (bool, error) {
	ln, err := s.listen(false)
	if err != nil {
		return false, err
	}

	// Native unencrypted HTTP/2 keeps h2c connections under Shutdown, so the
	// provisioning reply is flushed before the plaintext listener goes away.
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{
		Handler:           s.handler(),
		Protocols:         &protocols,
		ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	restarted := false

	g.Go(func() error { return serveHTTP(func() error { return srv.Serve(ln) }) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.provisioning.Restart():
			restarted = true
		}
		return s.shutdown(srv)
	})

	if err := g.Wait(); err != nil {
		return false, err
	}
	return restarted, nil
}

// serveSecure serves mutual TLS and refreshes the certificate until ctx is
// done.
func (s *Server) serveSecure(ctx context.Context, c certstore.Candidate) error {
	creds, err := channel.CredentialsFromEntry(c.Entry)
	if err != nil {
		return fmt.Errorf("failed to load asset credentials: %w", err)
	}
	s.setCertificate(creds.Certificate)

	id := c.Entry.Identity()
	tlsCfg := channel.ServerTLSConfig(creds, identity.ForOrg(id.OrganizationID), nil)
	tlsCfg.Certificates = nil
	tlsCfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.cert, nil
	}

	ln, err := s.listen(true)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(func() error { return srv.ServeTLS(ln, "", "") }) })
	g.Go(func() error {
		s.refreshLoop(gctx, c.Target, id)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})
	return g.Wait()
}

// refreshLoop checks the certificate right away and then on every tick.
// Failures are logged and retried on the next tick.
func (s *Server) refreshLoop(ctx context.Context, target certstore.Target, id identity.Identity) {
	policy := pki.ExpiryPolicy{Margin: s.cfg.RefreshMargin}
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		s.refreshOnce(ctx, target, id, policy)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) refreshOnce(ctx context.Context, target certstore.Target, id identity.Identity, policy pki.ExpiryPolicy) {
	res, err := s.enroller.EnsureFresh(ctx, target, id, policy)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("cloud_host", target.GRPCHost).Msg("Certificate refresh check failed")
		}
		return
	}
	creds, err := channel.CredentialsFromEntry(res.Entry)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load refreshed credentials")
		return
	}

	s.mu.Lock()
	changed := s.cert == nil || s.cert.Leaf == nil || !s.cert.Leaf.Equal(creds.Leaf)
	s.mu.Unlock()
	if changed {
		s.setCertificate(creds.Certificate)
		s.logger.Info().Str("serial", creds.Leaf.SerialNumber.String()).Time("not_after", creds.Leaf.NotAfter).Msg("Serving refreshed certificate")
	}
}

func (s *Server) setCertificate(cert tls.Certificate) {
	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()
}

func (s *Server) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Graceful shutdown timed out")
		return srv.Close()
	}
	return nil
}

func serveHTTP(serve func() error) error {
	if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("provisioning server failed: %w", err)
	}
	return nil
}
