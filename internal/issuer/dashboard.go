package issuer

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/identity"
)

const basicRealm = "wendy-devcloud"

// User is a dashboard account. Logging in as a user mints an enrollment
// token for that user's identity.
type User struct {
	Username       string `yaml:"username"`
	PasswordHash   string `yaml:"password_hash"`
	OrganizationID int32  `yaml:"organization_id"`
	UserID         string `yaml:"user_id"`
}

// Identity returns the identity tokens are minted for.
func (u User) Identity() identity.Identity {
	id := u.UserID
	if id == "" {
		id = u.Username
	}
	return identity.User(u.OrganizationID, id)
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// dashboard serves the CLI login page. It authenticates with HTTP Basic
// auth and redirects the browser back to the CLI callback with a token.
type dashboard struct {
	users     map[string]User
	tokens    *TokenManager
	authority *Authority
	tokenTTL  time.Duration
	logger    zerolog.Logger
	// dummyHash keeps unknown usernames as slow as wrong passwords.
	dummyHash []byte
}

func newDashboard(users []User, tokens *TokenManager, authority *Authority, tokenTTL time.Duration, logger zerolog.Logger) (*dashboard, error) {
	byName := make(map[string]User, len(users))
	for _, u := range users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("dashboard user requires username and password_hash")
		}
		if err := u.Identity().Validate(); err != nil {
			return nil, fmt.Errorf("dashboard user %q: %w", u.Username, err)
		}
		byName[u.Username] = u
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("wendy-devcloud"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	return &dashboard{
		users:     byName,
		tokens:    tokens,
		authority: authority,
		tokenTTL:  tokenTTL,
		logger:    logger.With().Str("component", "dashboard").Logger(),
		dummyHash: dummy,
	}, nil
}

func (d *dashboard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.DashboardAuthPath, d.handleCLIAuth)
	mux.HandleFunc("/ca.pem", d.handleRootCA)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (d *dashboard) authenticate(r *http.Request) (User, bool) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return User{}, false
	}
	u, known := d.users[name]
	hash := d.dummyHash
	if known {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !known {
		return User{}, false
	}
	return u, true
}

func (d *dashboard) handleCLIAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	redirect, err := validateRedirect(r.URL.Query().Get("redirect_uri"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, ok := d.authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+basicRealm+`", charset="UTF-8"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	id := user.Identity()
	token, _, err := d.tokens.Mint(id, d.tokenTTL)
	if err != nil {
		d.logger.Error().Err(err).Str("username", user.Username).Msg("Failed to mint enrollment token")
		http.Error(w, "failed to mint enrollment token", http.StatusInternalServerError)
		return
	}

	q := redirect.Query()
	q.Set("token", token)
	q.Set("user_id", id.UserID)
	q.Set("org_id", strconv.FormatInt(int64(id.OrganizationID), 10))
	redirect.RawQuery = q.Encode()

	d.logger.Info().Str("username", user.Username).Int32("org_id", id.OrganizationID).Msg("Redirecting to CLI callback")
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (d *dashboard) handleRootCA(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write([]byte(d.authority.RootPEM()))
}

// validateRedirect accepts only the CLI callback on a loopback address, so
// the dashboard cannot be used to send tokens elsewhere.
func validateRedirect(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect_uri must use http")
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, fmt.Errorf("redirect_uri must point to a loopback address")
		}
	}
	if u.Path != constants.CallbackPath {
		return nil, fmt.Errorf("redirect_uri must use path %s", constants.CallbackPath)
	}
	return u, nil
}
