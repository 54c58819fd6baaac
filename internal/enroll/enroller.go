// Package enroll obtains and refreshes organization-scoped certificates.
//
// First enrollment trades a single-use enrollment token and a CSR for a
// certificate over an unauthenticated channel. Refresh proves possession of
// the current certificate over mutual TLS and always rotates the key. Both
// flows validate the issued chain before anything is persisted.
package enroll

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cloudapi"
	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/errors"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/pki"
)

// Config contains Enroller configuration.
type Config struct {
	Store     *certstore.Store
	Connector Connector
	// RPCTimeout bounds each call to the certificate service.
	RPCTimeout time.Duration
	Metrics    *Metrics
	Logger     zerolog.Logger
	// Now overrides the clock used for validation.
	Now func() time.Time
}

// Enroller runs enrollment and refresh flows. It is safe for concurrent use;
// flows for different identities proceed independently and their store
// updates are serialized by the store.
type Enroller struct {
	store      *certstore.Store
	connector  Connector
	rpcTimeout time.Duration
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// Result describes a stored credential.
type Result struct {
	Target   certstore.Target
	Identity identity.Identity
	Entry    certstore.CertificateEntry
	Leaf     *x509.Certificate
}

// New creates an Enroller.
func New(cfg Config) (*Enroller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("certificate store is required")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}

	e := &Enroller{
		store:      cfg.Store,
		connector:  cfg.Connector,
		rpcTimeout: cfg.RPCTimeout,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "enroll").Logger(),
		now:        cfg.Now,
	}
	if e.rpcTimeout == 0 {
		e.rpcTimeout = constants.DefaultRPCTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Store returns the backing store.
func (e *Enroller) Store() *certstore.Store {
	return e.store
}

// Exchange runs a one-shot enrollment: it is NewSession followed by
// Session.Exchange.
func (e *Enroller) Exchange(ctx context.Context, target certstore.Target, token string, id identity.Identity) (*Result, error) {
	return e.NewSession(target).Exchange(ctx, token, id)
}

// exchange builds a CSR, trades it and the token for a chain, validates the
// chain and persists it. Steps run strictly in order.
func (e *Enroller) exchange(ctx context.Context, target certstore.Target, token string, id identity.Identity) (res *Result, err error) {
	start := time.Now()
	defer func() {
		e.metrics.Record(OperationEnroll, ResultOf(err), time.Since(start), id.OrganizationID, id.Subject(), err)
	}()

	if err := id.Validate(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("enrollment token is required")
	}

	logger := e.logger.With().
		Str("grpc_host", target.GRPCHost).
		Int32("org_id", id.OrganizationID).
		Str("subject", id.Subject()).
		Logger()
	logger.Info().Msg("Starting certificate enrollment")

	req, err := pki.BuildRequest(id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate request: %w", err)
	}

	client, closer, err := e.connector.Public(target)
	if err != nil {
		return nil, err
	}
	defer errors.DeferClose(logger, closer, "failed to close issuance channel")

	callCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	resp, err := client.IssueCertificate(callCtx, &cloudapi.IssueCertificateRequest{
		EnrollmentToken: token,
		PemCSR:          req.PEM,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Certificate issuance call failed")
		return nil, err
	}
	if resp.Error != nil {
		logger.Warn().Str("code", resp.Error.Code).Str("message", resp.Error.Message).Msg("Issuer rejected enrollment")
		return nil, &ServerError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	chain := resp.Certificate.Chain()
	leaf, err := ReceiveSignedCertificate(chain, &req.Key.PublicKey, e.now())
	if err != nil {
		logger.Error().Err(err).Msg("Issued certificate failed validation")
		return nil, err
	}
	if err := checkIdentity(leaf, id); err != nil {
		logger.Error().Err(err).Msg("Issued certificate failed validation")
		return nil, err
	}

	entry, err := certstore.NewEntry(id, req.Key, chain)
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, target, entry); err != nil {
		return nil, fmt.Errorf("certificate issued but could not be stored: %w", err)
	}

	logger.Info().
		Str("serial", leaf.SerialNumber.String()).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate enrollment complete")

	return &Result{Target: target, Identity: id, Entry: entry, Leaf: leaf}, nil
}

// Refresh replaces the stored certificate for id with one bound to a new key.
// The call authenticates with the current certificate, which may have just
// expired. The entry is overwritten in place only after validation passes.
func (e *Enroller) Refresh(ctx context.Context, target certstore.Target, id identity.Identity) (res *Result, err error) {
	start := time.Now()
	defer func() {
		e.metrics.Record(OperationRefresh, ResultOf(err), time.Since(start), id.OrganizationID, id.Subject(), err)
	}()

	current, ok := e.store.Load().Entry(target, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotEnrolled, id, target.GRPCHost)
	}

	logger := e.logger.With().
		Str("grpc_host", target.GRPCHost).
		Int32("org_id", id.OrganizationID).
		Str("subject", id.Subject()).
		Logger()
	logger.Info().Msg("Refreshing certificate")

	creds, err := channel.CredentialsFromEntry(current)
	if err != nil {
		return nil, fmt.Errorf("failed to load current credentials: %w", err)
	}

	req, err := pki.BuildRequest(id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate request: %w", err)
	}

	client, closer, err := e.connector.Authenticated(target, creds)
	if err != nil {
		return nil, err
	}
	defer errors.DeferClose(logger, closer, "failed to close refresh channel")

	callCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	resp, err := client.RefreshCertificate(callCtx, &cloudapi.RefreshCertificateRequest{PemCSR: req.PEM})
	if err != nil {
		logger.Error().Err(err).Msg("Certificate refresh call failed")
		return nil, err
	}

	chain := resp.Chain()
	leaf, err := ReceiveSignedCertificate(chain, &req.Key.PublicKey, e.now())
	if err != nil {
		logger.Error().Err(err).Msg("Refreshed certificate failed validation")
		return nil, err
	}
	if err := checkIdentity(leaf, id); err != nil {
		return nil, err
	}
	if creds.Leaf != nil && pki.PublicKeysEqual(creds.Leaf.PublicKey, leaf.PublicKey) {
		return nil, &ValidationError{Reason: ErrPublicKeyMismatch, Detail: "refreshed certificate reuses the previous key"}
	}

	entry, err := certstore.NewEntry(id, req.Key, chain)
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, target, entry); err != nil {
		return nil, fmt.Errorf("certificate refreshed but could not be stored: %w", err)
	}

	logger.Info().
		Str("serial", leaf.SerialNumber.String()).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate refreshed")

	return &Result{Target: target, Identity: id, Entry: entry, Leaf: leaf}, nil
}

// EnsureFresh returns the stored entry for id, refreshing it first when
// policy says so. A certificate that is not valid yet is returned with a
// ValidationError rather than refreshed.
func (e *Enroller) EnsureFresh(ctx context.Context, target certstore.Target, id identity.Identity, policy pki.ExpiryPolicy) (*Result, error) {
	entry, ok := e.store.Load().Entry(target, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotEnrolled, id, target.GRPCHost)
	}

	leaf, err := entry.Leaf()
	now := e.now()
	switch {
	case err == nil && policy.StatusCert(leaf, now) == pki.CertStatusNotYetValid:
		return nil, &ValidationError{
			Reason: ErrCertificateNotYetValid,
			Detail: fmt.Sprintf("not before %s", leaf.NotBefore.UTC().Format(time.RFC3339)),
		}
	case err != nil || policy.NeedsRefreshCert(leaf, now):
		e.logger.Info().Str("subject", id.Subject()).Msg("Stored certificate needs refresh")
		return e.Refresh(ctx, target, id)
	}

	return &Result{Target: target, Identity: id, Entry: entry, Leaf: leaf}, nil
}
