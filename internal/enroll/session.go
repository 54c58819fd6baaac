package enroll

import (
	"context"
	"fmt"
	"sync"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/identity"
)

// State is a step of the enrollment state machine.
type State string

const (
	StateUnenrolled    State = "unenrolled"
	StateAwaitingToken State = "awaiting_token"
	StateExchanging    State = "exchanging"
	StateEnrolled      State = "enrolled"
	StateFailed        State = "failed"
)

// Session is one enrollment attempt against a target. It moves
// Unenrolled -> AwaitingToken -> Exchanging -> Enrolled. A failed exchange
// passes through Failed and resets to Unenrolled so the attempt can be
// retried with another token. Enrolled is terminal.
type Session struct {
	enroller *Enroller
	target   certstore.Target

	mu      sync.Mutex
	state   State
	lastErr error
	result  *Result
	onState func(State)
}

// NewSession starts an enrollment session in StateUnenrolled.
func (e *Enroller) NewSession(target certstore.Target) *Session {
	return &Session{enroller: e, target: target, state: StateUnenrolled}
}

// OnStateChange registers fn to observe transitions. fn must not call back
// into the session.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Target returns the deployment the session enrolls with.
func (s *Session) Target() certstore.Target {
	return s.target
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error of the most recent failed exchange.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Result returns the enrollment result once the session is Enrolled.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// AwaitToken marks the session as waiting for an out-of-band token.
func (s *Session) AwaitToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnenrolled:
		s.setStateLocked(StateAwaitingToken)
		return nil
	case StateAwaitingToken:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateAwaitingToken)
	}
}

// Exchange trades token for a certificate for id. Only one exchange runs at
// a time; a call made while another is in flight fails with
// ErrExchangeInFlight, and a call after success fails with ErrAlreadyEnrolled.
func (s *Session) Exchange(ctx context.Context, token string, id identity.Identity) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateExchanging:
		s.mu.Unlock()
		return nil, ErrExchangeInFlight
	case StateEnrolled:
		s.mu.Unlock()
		return nil, ErrAlreadyEnrolled
	}
	s.setStateLocked(StateExchanging)
	s.mu.Unlock()

	res, err := s.enroller.exchange(ctx, s.target, token, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateFailed)
		s.setStateLocked(StateUnenrolled)
		return nil, err
	}
	s.result = res
	s.setStateLocked(StateEnrolled)
	return res, nil
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	s.enroller.logger.Debug().Str("state", string(state)).Str("grpc_host", s.target.GRPCHost).Msg("Enrollment state changed")
	if s.onState != nil {
		s.onState(state)
	}
}
