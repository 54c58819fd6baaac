package enroll

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/enroll/enrolltest"
	"github.com/wendylabs/wendy/internal/identity"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func TestSession_FailureResetsThenSucceeds(t *testing.T) {
	e, store := newTestEnroller(t, enrolltest.NewIssuer(t, "tok-1"))
	ctx := context.Background()
	id := identity.User(42, "u1")

	s := e.NewSession(testTarget)
	log := &stateLog{}
	s.OnStateChange(log.record)

	assert.Equal(t, StateUnenrolled, s.State())
	require.NoError(t, s.AwaitToken())
	require.NoError(t, s.AwaitToken())
	assert.Equal(t, StateAwaitingToken, s.State())

	_, err := s.Exchange(ctx, "wrong", id)
	require.Error(t, err)
	assert.Equal(t, StateUnenrolled, s.State())
	assert.Equal(t, err, s.LastError())
	assert.Empty(t, store.Load().Auth)

	res, err := s.Exchange(ctx, "tok-1", id)
	require.NoError(t, err)
	assert.Equal(t, StateEnrolled, s.State())
	assert.Same(t, res, s.Result())

	_, err = s.Exchange(ctx, "tok-1", id)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.ErrorIs(t, s.AwaitToken(), ErrInvalidTransition)

	assert.Equal(t, []State{
		StateAwaitingToken,
		StateExchanging, StateFailed, StateUnenrolled,
		StateExchanging, StateEnrolled,
	}, log.all())
}

func TestSession_ConcurrentExchangeRejected(t *testing.T) {
	issuer := enrolltest.NewIssuer(t, "tok-1", "tok-2")
	issuer.Gate = make(chan struct{})
	e, store := newTestEnroller(t, issuer)
	ctx := context.Background()
	id := identity.User(42, "u1")

	s := e.NewSession(testTarget)
	exchanging := make(chan struct{}, 1)
	s.OnStateChange(func(st State) {
		if st == StateExchanging {
			exchanging <- struct{}{}
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Exchange(ctx, "tok-1", id)
		done <- err
	}()

	<-exchanging
	_, err := s.Exchange(ctx, "tok-2", id)
	assert.ErrorIs(t, err, ErrExchangeInFlight)

	close(issuer.Gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateEnrolled, s.State())
	assert.Equal(t, 1, issuer.Issued())

	cfg := store.Load()
	require.Len(t, cfg.Auth, 1)
	assert.Len(t, cfg.Auth[0].Certificates, 1)
}
