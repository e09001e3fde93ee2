package server

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pplabs/chatwire/tools/errs"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), "HS256", time.Hour)

	tok, err := a.Generate("u1", "Uno")
	require.NoError(t, err)

	ident, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.UserID)
	assert.Equal(t, "Uno", ident.UserName)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), "HS256", time.Hour)
	b := NewAuthenticator([]byte("other"), "HS256", time.Hour)

	tok, err := a.Generate("u1", "Uno")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
}

func TestVerifyRejectsExpired(t *testing.T) {
	// Bypass the constructor's ttl floor to mint an already-expired token.
	a := &Authenticator{secret: []byte("secret"), alg: "HS256", ttl: -time.Minute}

	tok, err := a.Generate("u1", "Uno")
	require.NoError(t, err)

	_, err = a.Verify(tok)
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
}

func TestVerifyRejectsEmpty(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), "HS256", time.Hour)
	_, err := a.Verify("")
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
	_, err = a.Verify("not-a-jwt")
	assert.True(t, errors.Is(err, errs.ErrAuthentication))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def.ghi")
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", tok)

	tok, ok = BearerToken("bearer abc")
	assert.True(t, ok, "scheme comparison is case-insensitive")
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("")
	assert.False(t, ok)
	_, ok = BearerToken("Basic dXNlcjpwYXNz")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer")
	assert.False(t, ok)
}
