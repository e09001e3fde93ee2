package server

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/pplabs/chatwire/tools/errs"
)

// Authenticator validates the opaque bearer credential presented at
// connection time. Tokens are HMAC-signed JWTs carrying the user identity.
type Authenticator struct {
	secret []byte
	alg    string
	ttl    time.Duration
}

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID   string
	UserName string
}

func NewAuthenticator(secret []byte, alg string, ttl time.Duration) *Authenticator {
	if alg == "" {
		alg = "HS256"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Authenticator{secret: secret, alg: alg, ttl: ttl}
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):]), true
	}
	return "", false
}

// Verify checks the token signature and expiry and returns the identity.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, errs.ErrAuthentication.WithDetail("empty credential")
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errs.WrapCode(errs.ErrAuthentication, err)
	}
	if !parsed.Valid {
		return nil, errs.ErrAuthentication.WithDetail("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrAuthentication.WithDetail("claims type mismatch")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errs.ErrAuthentication.WithDetail("missing sub claim")
	}
	name, _ := claims["name"].(string)
	return &Identity{UserID: sub, UserName: name}, nil
}

// Generate issues a signed token for the given identity. Used by the demo
// client and by tests; production credentials come from the auth service.
func (a *Authenticator) Generate(userID, userName string) (string, error) {
	method, err := signingMethod(a.alg)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub":  userID,
		"name": userName,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(a.ttl).Unix(),
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(a.secret)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
