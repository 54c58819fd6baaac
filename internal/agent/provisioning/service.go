// Package provisioning implements the device side of enrollment: it redeems
// an enrollment token handed over by an operator and keeps the resulting
// asset credentials in the agent's state directory.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/identity"
)

// Config contains Service configuration.
type Config struct {
	Enroller *enroll.Enroller
	// DefaultCloudHost is used when StartProvisioning omits cloudHost.
	DefaultCloudHost string
	Logger           zerolog.Logger
}

// Service implements agentapi.ProvisioningServiceHandler.
type Service struct {
	enroller         *enroll.Enroller
	defaultCloudHost string
	logger           zerolog.Logger

	// mu serializes provisioning attempts.
	mu       sync.Mutex
	restart  chan struct{}
	signaled bool
}

var _ agentapi.ProvisioningServiceHandler = (*Service)(nil)

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Enroller == nil {
		return nil, fmt.Errorf("enroller is required")
	}
	return &Service{
		enroller:         cfg.Enroller,
		defaultCloudHost: cfg.DefaultCloudHost,
		logger:           cfg.Logger.With().Str("component", "provisioning").Logger(),
		restart:          make(chan struct{}),
	}, nil
}

// Current returns the stored asset credentials, if any.
func (s *Service) Current() (certstore.Candidate, bool) {
	c, err := s.enroller.Store().Select(certstore.AssetsOnly(nil))
	if err != nil {
		return certstore.Candidate{}, false
	}
	return c, true
}

// Restart is closed once, after the first successful provisioning. The
// server then rebinds its listener with mutual TLS.
func (s *Service) Restart() <-chan struct{} {
	return s.restart
}

// IsProvisioned implements agentapi.ProvisioningServiceHandler.
func (s *Service) IsProvisioned(context.Context, *connect.Request[agentapi.IsProvisionedRequest]) (*connect.Response[agentapi.IsProvisionedResponse], error) {
	c, ok := s.Current()
	if !ok {
		return connect.NewResponse(&agentapi.IsProvisionedResponse{NotProvisioned: &agentapi.NotProvisioned{}}), nil
	}
	return connect.NewResponse(&agentapi.IsProvisionedResponse{Provisioned: &agentapi.Provisioned{
		AssetID:        c.Entry.AssetID,
		OrganizationID: c.Entry.OrganizationID,
		CloudHost:      c.Target.GRPCHost,
	}}), nil
}

// StartProvisioning implements agentapi.ProvisioningServiceHandler. It
// returns only after the credentials are stored.
func (s *Service) StartProvisioning(ctx context.Context, req *connect.Request[agentapi.StartProvisioningRequest]) (*connect.Response[agentapi.StartProvisioningResponse], error) {
	msg := req.Msg
	cloudHost := msg.CloudHost
	if cloudHost == "" {
		cloudHost = s.defaultCloudHost
	}
	if msg.EnrollmentToken == "" || cloudHost == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("enrollmentToken and cloudHost are required"))
	}
	id := identity.Asset(msg.OrganizationID, msg.AssetID)
	if err := id.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.Current(); ok {
		return nil, connect.NewError(connect.CodeAlreadyExists,
			fmt.Errorf("agent is already provisioned as %s", c.Entry.Identity()))
	}

	logger := s.logger.With().
		Str("cloud_host", cloudHost).
		Int32("org_id", id.OrganizationID).
		Str("asset_id", id.AssetID).
		Logger()
	logger.Info().Msg("Provisioning requested")

	target := certstore.Target{GRPCHost: cloudHost}
	if _, err := s.enroller.Exchange(ctx, target, msg.EnrollmentToken, id); err != nil {
		logger.Error().Err(err).Msg("Provisioning failed")
		return nil, toConnectError(err)
	}

	logger.Info().Msg("Provisioning complete")
	if !s.signaled {
		s.signaled = true
		close(s.restart)
	}
	return connect.NewResponse(&agentapi.StartProvisioningResponse{}), nil
}

func toConnectError(err error) *connect.Error {
	var se *enroll.ServerError
	switch {
	case errors.As(err, &se):
		return connect.NewError(connect.CodePermissionDenied, errors.New(se.Message))
	case enroll.IsValidation(err):
		return connect.NewError(connect.CodeFailedPrecondition, errors.New(enroll.UserMessage(err)))
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeUnavailable, err)
	}
}
