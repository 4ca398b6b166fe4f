package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSession(t *testing.T) {
	id, err := StaticSession("u1").CurrentUserID()
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = StaticSession("").CurrentUserID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestJWTSession_Valid(t *testing.T) {
	tok, err := IssueToken("s3cret", "user-42", time.Hour)
	require.NoError(t, err)

	s := NewJWTSession(tok, "s3cret")
	id, err := s.CurrentUserID()
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
	assert.Equal(t, tok, s.Token())
}

func TestJWTSession_WrongSecret(t *testing.T) {
	tok, err := IssueToken("s3cret", "user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTSession(tok, "other").CurrentUserID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestJWTSession_Expired(t *testing.T) {
	tok, err := IssueToken("s3cret", "user-42", -time.Minute)
	require.NoError(t, err)

	_, err = NewJWTSession(tok, "s3cret").CurrentUserID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestJWTSession_Empty(t *testing.T) {
	_, err := NewJWTSession("", "s3cret").CurrentUserID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ParseToken("s3cret", tok)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestParseToken_RequiresSubject(t *testing.T) {
	tok, err := IssueToken("s3cret", "", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("s3cret", tok)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestParseToken_RequiresExpiry(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ParseToken("s3cret", tok)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
