// Package callback receives an enrollment token from the browser.
//
// A Listener binds an ephemeral loopback port and serves one route. The
// dashboard redirects the user's browser to that route with the token, and
// the listener runs the exchange through an enroll.Session. The first
// successful exchange ends the run and tears the listener down.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/identity"
)

// Query parameters of the callback route.
const (
	ParamToken  = "token"
	ParamUserID = "user_id"
	ParamOrgID  = "org_id"
)

// ErrTimeout is returned when no enrollment completes within Config.Timeout.
var ErrTimeout = errors.New("timed out waiting for enrollment")

// Config contains listener configuration.
type Config struct {
	// Session runs the exchange. Required.
	Session *enroll.Session
	// Addr is the bind address. Defaults to 127.0.0.1:0.
	Addr string
	// Timeout bounds the wait. Zero waits until ctx is cancelled.
	Timeout time.Duration
	// ShutdownTimeout bounds draining in-flight responses on teardown.
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Listener serves the enrollment callback route.
type Listener struct {
	session         *enroll.Session
	timeout         time.Duration
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	ln      net.Listener
	results chan *enroll.Result

	mu      sync.Mutex
	ran     bool
	baseCtx context.Context
}

// New binds the listener. The port is held until Run returns or Close is
// called.
func New(cfg Config) (*Listener, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("enrollment session is required")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = constants.DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener on %s: %w", addr, err)
	}

	return &Listener{
		session:         cfg.Session,
		timeout:         cfg.Timeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With().Str("component", "enroll-callback").Logger(),
		ln:              ln,
		results:         make(chan *enroll.Result, 1),
		baseCtx:         context.Background(),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// CallbackURL returns the URL the dashboard redirects to.
func (l *Listener) CallbackURL() string {
	return "http://" + l.ln.Addr().String() + constants.CallbackPath
}

// AuthURL returns the dashboard page that authenticates the user and
// redirects back to CallbackURL.
func (l *Listener) AuthURL(dashboardURL string) string {
	return AuthURL(dashboardURL, l.CallbackURL())
}

// AuthURL builds <dashboard>/cli-auth?redirect_uri=<callback>.
func AuthURL(dashboardURL, callbackURL string) string {
	q := url.Values{"redirect_uri": {callbackURL}}
	return strings.TrimRight(dashboardURL, "/") + constants.DashboardAuthPath + "?" + q.Encode()
}

// Close releases the port without running. It is a no-op after Run.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ran {
		return nil
	}
	l.ran = true
	return l.ln.Close()
}

// Run serves the callback until one enrollment succeeds, the timeout
// elapses or ctx is cancelled. onURL, when set, is called once the route is
// being served. The port is closed before Run returns on every path.
func (l *Listener) Run(ctx context.Context, onURL func(callbackURL string)) (*enroll.Result, error) {
	l.mu.Lock()
	if l.ran {
		l.mu.Unlock()
		return nil, fmt.Errorf("callback listener already used")
	}
	l.ran = true
	l.mu.Unlock()

	if l.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, l.timeout)
		defer cancelTimeout()
	}
	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	g, gctx := errgroup.WithContext(runCtx)
	l.mu.Lock()
	l.baseCtx = gctx
	l.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(constants.CallbackPath, l.handleCallback)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
	}

	g.Go(func() error {
		if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn().Err(err).Msg("Callback server shutdown incomplete")
			return srv.Close()
		}
		return nil
	})

	var result *enroll.Result
	g.Go(func() error {
		select {
		case result = <-l.results:
			finish()
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	l.logger.Info().Str("callback_url", l.CallbackURL()).Msg("Waiting for enrollment callback")
	if onURL != nil {
		onURL(l.CallbackURL())
	}

	err := g.Wait()
	// Serve closes the listener; closing again makes teardown unconditional.
	_ = l.ln.Close()

	if result != nil {
		return result, nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if last := l.session.LastError(); last != nil {
			return nil, fmt.Errorf("%w after %s: last attempt: %w", ErrTimeout, l.timeout, last)
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, l.timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, err
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, id, err := parseQuery(r.URL.Query())
	if err != nil {
		l.logger.Warn().Err(err).Msg("Malformed enrollment callback")
		respond(w, http.StatusBadRequest, "Provisioning failed: "+err.Error())
		return
	}

	l.mu.Lock()
	ctx := l.baseCtx
	l.mu.Unlock()

	res, err := l.session.Exchange(ctx, token, id)
	switch {
	case errors.Is(err, enroll.ErrAlreadyEnrolled), errors.Is(err, enroll.ErrExchangeInFlight):
		l.logger.Debug().Err(err).Msg("Ignoring enrollment callback")
		respond(w, http.StatusConflict, "Provisioning failed: "+err.Error())
		return
	case err != nil:
		l.logger.Error().Err(err).Int32("org_id", id.OrganizationID).Msg("Enrollment callback failed")
		respond(w, http.StatusBadRequest, "Provisioning failed: "+enroll.UserMessage(err))
		return
	}

	select {
	case l.results <- res:
	default:
	}
	respond(w, http.StatusOK, "Enrolled!")
}

// ParseCallbackURL extracts the token and identity from a callback URL,
// for users who complete the login on another machine and paste the URL
// their browser was sent to.
func ParseCallbackURL(raw string) (string, identity.Identity, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", identity.Identity{}, fmt.Errorf("invalid callback URL: %w", err)
	}
	return parseQuery(u.Query())
}

func parseQuery(q url.Values) (string, identity.Identity, error) {
	token := q.Get(ParamToken)
	if token == "" {
		return "", identity.Identity{}, fmt.Errorf("missing %s", ParamToken)
	}
	userID := q.Get(ParamUserID)
	if userID == "" {
		return "", identity.Identity{}, fmt.Errorf("missing %s", ParamUserID)
	}
	org, err := strconv.ParseInt(q.Get(ParamOrgID), 10, 32)
	if err != nil {
		return "", identity.Identity{}, fmt.Errorf("invalid %s: %w", ParamOrgID, err)
	}
	id := identity.User(int32(org), userID)
	if err := id.Validate(); err != nil {
		return "", identity.Identity{}, err
	}
	return token, id, nil
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(html.EscapeString(body)))
}
