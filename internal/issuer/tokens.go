package issuer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/safe"
)

const (
	tokenIssuer    = "wendy-devcloud"
	tokenAudience  = "wendy-enrollment"
	secretFileName = "token-secret"
	secretSize     = 32
)

// Token errors.
var (
	ErrTokenInvalid = errors.New("enrollment token is invalid")
	ErrTokenExpired = errors.New("enrollment token expired")
	ErrTokenUsed    = errors.New("enrollment token already used")
)

// EnrollmentClaims are the JWT claims of an enrollment token. The token
// names the identity the holder may enroll as.
type EnrollmentClaims struct {
	OrganizationID int32  `json:"org_id"`
	UserID         string `json:"user_id,omitempty"`
	AssetID        string `json:"asset_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity the token authorizes.
func (c *EnrollmentClaims) Identity() identity.Identity {
	return identity.Identity{OrganizationID: c.OrganizationID, UserID: c.UserID, AssetID: c.AssetID}
}

// TokenManager mints and redeems single-use enrollment tokens. Tokens are
// HS256 JWTs; redemption is tracked in memory by token id.
type TokenManager struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time

	mu sync.Mutex
	// consumed maps token id to token expiry.
	consumed map[string]time.Time
}

// TokenConfig contains token manager configuration.
type TokenConfig struct {
	Secret     []byte
	DefaultTTL time.Duration
	Now        func() time.Time
}

// NewTokenManager creates a token manager.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) < secretSize {
		return nil, fmt.Errorf("token secret must be at least %d bytes", secretSize)
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = constants.DefaultEnrollmentTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenManager{
		secret:     cfg.Secret,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		consumed:   make(map[string]time.Time),
	}, nil
}

// LoadOrCreateSecret returns the token signing secret stored in dir,
// creating it on first use. The minting CLI and the server share it.
func LoadOrCreateSecret(dir string, logger zerolog.Logger) ([]byte, error) {
	path := filepath.Join(dir, secretFileName)

	data, err := safe.ReadFile(path, nil)
	switch {
	case err == nil:
		secret, decErr := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(secret) < secretSize {
			return nil, fmt.Errorf("corrupt token secret in %s", path)
		}
		return secret, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read token secret: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(secret) + "\n"
	if err := safe.WriteFileAtomic(path, []byte(encoded), &safe.FileOptions{Perm: 0600, DirPerm: 0700}, logger); err != nil {
		return nil, fmt.Errorf("failed to store token secret: %w", err)
	}
	return secret, nil
}

// Mint creates a token for id. ttl of zero uses the default.
func (tm *TokenManager) Mint(id identity.Identity, ttl time.Duration) (string, time.Time, error) {
	if err := id.Validate(); err != nil {
		return "", time.Time{}, err
	}
	if ttl == 0 {
		ttl = tm.defaultTTL
	}

	now := tm.now()
	expiresAt := now.Add(ttl)
	claims := &EnrollmentClaims{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		AssetID:        id.AssetID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Subject:   id.Subject(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token without consuming it.
func (tm *TokenManager) Validate(token string) (*EnrollmentClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &EnrollmentClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(tm.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*EnrollmentClaims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	if err := claims.Identity().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	tm.mu.Lock()
	_, used := tm.consumed[claims.ID]
	tm.mu.Unlock()
	if used {
		return nil, ErrTokenUsed
	}
	return claims, nil
}

// Consume marks a validated token as redeemed. Exactly one caller wins for
// a given token id.
func (tm *TokenManager) Consume(claims *EnrollmentClaims) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, used := tm.consumed[claims.ID]; used {
		return ErrTokenUsed
	}
	expiresAt := tm.now().Add(tm.defaultTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	tm.consumed[claims.ID] = expiresAt
	tm.pruneLocked()
	return nil
}

// Release undoes Consume after a failure that happened before issuance, so
// the holder can retry.
func (tm *TokenManager) Release(claims *EnrollmentClaims) {
	tm.mu.Lock()
	delete(tm.consumed, claims.ID)
	tm.mu.Unlock()
}

// pruneLocked drops ids whose tokens can no longer validate anyway.
func (tm *TokenManager) pruneLocked() {
	now := tm.now()
	for id, exp := range tm.consumed {
		if exp.Before(now) {
			delete(tm.consumed, id)
		}
	}
}
