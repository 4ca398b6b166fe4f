// Package auth resolves the identity of the local user.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no valid session exists.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session yields the id of the signed-in user.
type Session interface {
	CurrentUserID() (string, error)
}

// StaticSession is a fixed identity. The empty value is signed out.
type StaticSession string

func (s StaticSession) CurrentUserID() (string, error) {
	if s == "" {
		return "", ErrNotAuthenticated
	}
	return string(s), nil
}

// Claims are the access-token claims. The user id is the subject.
type Claims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for userID.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies an HS256 access token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrNotAuthenticated
	}
	return claims, nil
}

// JWTSession is a session backed by a signed access token. The token is
// re-verified on every call so expiry is noticed.
type JWTSession struct {
	token  string
	secret string
}

// NewJWTSession wraps an access token and the secret that signed it.
func NewJWTSession(token, secret string) *JWTSession {
	return &JWTSession{token: token, secret: secret}
}

func (s *JWTSession) CurrentUserID() (string, error) {
	if s.token == "" {
		return "", ErrNotAuthenticated
	}
	claims, err := ParseToken(s.secret, s.token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Token returns the raw access token for bearer authentication.
func (s *JWTSession) Token() string {
	return s.token
}
