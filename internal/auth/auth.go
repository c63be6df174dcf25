package auth

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// DefaultTokenTTL applies when Config.JWTExpiry is unset
const DefaultTokenTTL = 24 * time.Hour

// Config holds operator credentials for the HTTP API
type Config struct {
	Enabled   bool
	Username  string
	Password  string // plaintext or bcrypt hash
	JWTSecret string
	JWTExpiry time.Duration // token lifetime, DefaultTokenTTL when zero
}

// Authenticator checks the operator's credentials and issues API tokens
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokenTTL     time.Duration
	signer       *tokenSigner
}

// NewAuthenticator creates an authenticator. A plaintext password is
// hashed once at startup.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	username := cfg.Username
	if username == "" {
		username = "admin"
	}

	var passwordHash []byte
	if cfg.Enabled {
		if cfg.Password == "" {
			return nil, errors.New("auth enabled but no password configured")
		}
		if isBcryptHash(cfg.Password) {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			passwordHash = hash
		}
	}

	ttl := cfg.JWTExpiry
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     username,
		passwordHash: passwordHash,
		tokenTTL:     ttl,
		signer:       newTokenSigner(cfg.JWTSecret),
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate checks the operator's credentials and returns an operator
// token with its expiry as a unix timestamp
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.signer.issue(username, a.tokenTTL)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken verifies an operator token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.signer.verify(token)
}

// TokenTTL returns the lifetime of issued tokens
func (a *Authenticator) TokenTTL() time.Duration {
	return a.tokenTTL
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
