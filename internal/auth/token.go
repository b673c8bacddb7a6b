// Package auth issues and verifies bearer tokens and registers users.
package auth

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
)

const DefaultTTL = 7 * 24 * time.Hour

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens carrying sub, role and exp.
type Issuer struct {
	secret   []byte
	ttl      time.Duration
	required bool
	now      func() time.Time
}

// NewIssuer builds an issuer for secret. An empty secret puts the issuer in
// development mode: tokens are signed with a random per-process key and the
// realtime channel trusts declared identities.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{secret: []byte(secret), ttl: ttl, required: secret != "", now: time.Now}
	if !i.required {
		i.secret = make([]byte, 32)
		_, _ = rand.Read(i.secret)
	}
	return i
}

// Required reports whether channels must present a token.
func (i *Issuer) Required() bool { return i.required }

func (i *Issuer) Issue(id models.Identity) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the identity the token
// proves.
func (i *Issuer) Verify(token string) (models.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, err, "token expired")
		}
		return models.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, err, "invalid token")
	}
	role, ok := models.ParseRole(claims.Role)
	if !ok || claims.Subject == "" {
		return models.Identity{}, apperr.New(apperr.KindUnauthenticated, "invalid token claims")
	}
	return models.Identity{UserID: claims.Subject, Role: role}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, then
// from the token query parameter (browsers cannot set headers on a
// WebSocket upgrade).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
