package issuer

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// Service implements cloudapi.CertificateServiceServer.
type Service struct {
	cloudapi.UnimplementedCertificateServiceServer

	authority *Authority
	tokens    *TokenManager
	registry  *Registry
	policy    Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// ServiceConfig contains Service dependencies.
type ServiceConfig struct {
	Authority *Authority
	Tokens    *TokenManager
	Registry  *Registry
	Policy    Policy
	Logger    zerolog.Logger
	Now       func() time.Time
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		authority: cfg.Authority,
		tokens:    cfg.Tokens,
		registry:  cfg.Registry,
		policy:    cfg.Policy,
		logger:    cfg.Logger.With().Str("component", "certificate-service").Logger(),
		now:       cfg.Now,
	}
}

func issueError(code, message string) *cloudapi.IssueCertificateResponse {
	return &cloudapi.IssueCertificateResponse{Error: &cloudapi.IssueError{Code: code, Message: message}}
}

// IssueCertificate redeems an enrollment token for a certificate. Refusals
// travel in the response body so clients can show the message verbatim.
func (s *Service) IssueCertificate(_ context.Context, req *cloudapi.IssueCertificateRequest) (*cloudapi.IssueCertificateResponse, error) {
	claims, err := s.tokens.Validate(req.EnrollmentToken)
	switch {
	case errors.Is(err, ErrTokenUsed):
		s.logger.Warn().Msg("Rejected reused enrollment token")
		return issueError(cloudapi.CodeTokenUsed, "Enrollment token already used"), nil
	case errors.Is(err, ErrTokenExpired):
		s.logger.Warn().Msg("Rejected expired enrollment token")
		return issueError(cloudapi.CodeInvalidToken, "Enrollment token expired"), nil
	case err != nil:
		s.logger.Warn().Err(err).Msg("Rejected invalid enrollment token")
		return issueError(cloudapi.CodeInvalidToken, "Enrollment token is invalid"), nil
	}

	id := claims.Identity()
	logger := s.logger.With().Int32("org_id", id.OrganizationID).Str("subject", id.Subject()).Logger()

	csr, err := pki.ParseRequest(req.PemCSR)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected malformed CSR")
		return issueError(cloudapi.CodeInvalidCSR, err.Error()), nil
	}
	if err := s.policy.ValidateCSR(csr, id); err != nil {
		logger.Warn().Err(err).Msg("Rejected CSR")
		return issueError(cloudapi.CodeInvalidCSR, err.Error()), nil
	}

	if err := s.tokens.Consume(claims); err != nil {
		return issueError(cloudapi.CodeTokenUsed, "Enrollment token already used"), nil
	}

	leaf, err := s.authority.IssueLeaf(LeafRequest{Identity: id, PublicKey: csr.PublicKey, Validity: s.policy.LeafValidity})
	if err != nil {
		s.tokens.Release(claims)
		logger.Error().Err(err).Msg("Failed to sign certificate")
		return issueError(cloudapi.CodeInternal, "failed to issue certificate"), nil
	}
	s.registry.Record(leaf, id, "")

	logger.Info().
		Str("serial", leaf.SerialNumber.String()).
		Time("not_after", leaf.NotAfter).
		Msg("Issued certificate")

	chain := s.authority.ChainPEM(leaf)
	return &cloudapi.IssueCertificateResponse{Certificate: &cloudapi.Certificate{
		PemCertificate:      chain[0],
		PemCertificateChain: chain[1:],
	}}, nil
}

// RefreshCertificate re-issues the caller's identity for a new key. The
// caller authenticates with its current certificate over mutual TLS.
func (s *Service) RefreshCertificate(ctx context.Context, req *cloudapi.RefreshCertificateRequest) (*cloudapi.RefreshCertificateResponse, error) {
	current, id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Int32("org_id", id.OrganizationID).Str("subject", id.Subject()).Logger()

	if err := s.policy.CanRefresh(current, s.now()); err != nil {
		logger.Warn().Err(err).Msg("Refused refresh")
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}

	csr, err := pki.ParseRequest(req.PemCSR)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.policy.ValidateCSR(csr, id); err != nil {
		logger.Warn().Err(err).Msg("Rejected refresh CSR")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if pki.PublicKeysEqual(csr.PublicKey, current.PublicKey) {
		return nil, status.Error(codes.InvalidArgument, "refresh must use a new key")
	}

	leaf, err := s.authority.IssueLeaf(LeafRequest{Identity: id, PublicKey: csr.PublicKey, Validity: s.policy.LeafValidity})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to sign refreshed certificate")
		return nil, status.Error(codes.Internal, "failed to issue certificate")
	}
	s.registry.Record(leaf, id, current.SerialNumber.String())

	logger.Info().
		Str("serial", leaf.SerialNumber.String()).
		Str("replaces", current.SerialNumber.String()).
		Time("not_after", leaf.NotAfter).
		Msg("Refreshed certificate")

	chain := s.authority.ChainPEM(leaf)
	return &cloudapi.RefreshCertificateResponse{Certificate: cloudapi.Certificate{
		PemCertificate:      chain[0],
		PemCertificateChain: chain[1:],
	}}, nil
}

// GetCertificateMetadata describes the certificate the caller presented.
func (s *Service) GetCertificateMetadata(ctx context.Context, _ *cloudapi.GetCertificateMetadataRequest) (*cloudapi.CertificateMetadata, error) {
	cert, id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return &cloudapi.CertificateMetadata{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		AssetID:        id.AssetID,
		SerialNumber:   cert.SerialNumber.String(),
		Issuer:         cert.Issuer.String(),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}, nil
}

// caller returns the client certificate of an mTLS call and its identity.
func (s *Service) caller(ctx context.Context) (*x509.Certificate, identity.Identity, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, identity.Identity{}, status.Error(codes.Unauthenticated, "no peer information")
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return nil, identity.Identity{}, status.Error(codes.Unauthenticated, "mutual TLS required")
	}

	cert := info.State.PeerCertificates[0]
	id, err := identity.FromURIs(cert.URIs)
	if err != nil {
		return nil, identity.Identity{}, status.Error(codes.Unauthenticated, err.Error())
	}
	return cert, id, nil
}
