package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	tokenIssuer = "argus"

	// RoleOperator is the only role argus hands out; it grants the event
	// API, the live feed and the preview stream.
	RoleOperator = "operator"
)

// Claims identify the operator behind an API token. The operator name is
// the JWT subject.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Operator returns the operator name carried by the token
func (c *Claims) Operator() string {
	return c.Subject
}

// tokenSigner signs and verifies HS256 operator tokens
type tokenSigner struct {
	key []byte
	now func() time.Time
}

// newTokenSigner uses secret as the HMAC key. Without one a random key is
// drawn, so tokens do not survive a restart.
func newTokenSigner(secret string) *tokenSigner {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	return &tokenSigner{key: key, now: time.Now}
}

func (s *tokenSigner) issue(operator string, ttl time.Duration) (string, time.Time, error) {
	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)

	claims := &Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *tokenSigner) verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Role != RoleOperator || claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}
