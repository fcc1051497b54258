// Package authsession resolves the Principal attached to an inbound request:
// a signed session cookie/bearer token for authenticated users, or an
// anonymous identity keyed off a hashed client IP. Session tokens are JWTs
// signed with the server's JWTSigningKey, following the claims/validator
// split the retrieved RoseWrightdev-Video-Conferencing session hub uses
// (TokenValidator.ValidateToken(tokenString) (*claims, error)) adapted to
// this service's own claim set.
package authsession

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/config"
)

// Claims is the JWT payload minted at login and re-validated on every
// request that requires an identity.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.StandardClaims
}

// Principal is the resolved identity for one request: either an
// authenticated user or an anonymous caller bound to a hashed IP.
type Principal struct {
	UserID      string
	IsAnonymous bool
	IPHash      string
}

// Manager mints and validates session tokens.
type Manager struct {
	signingKey []byte
	ttl        time.Duration
	cookieName string
}

// NewManager wires a Manager from the Auth section of Config.
func NewManager(cfg config.Config) *Manager {
	return &Manager{
		signingKey: []byte(cfg.Auth.JWTSigningKey),
		ttl:        cfg.Auth.SessionTTL,
		cookieName: cfg.Auth.SessionCookieName,
	}
}

// Issue mints a signed session token for userID, valid for the configured
// SessionTTL.
func (m *Manager) Issue(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(m.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// ValidateToken parses and verifies tokenString, returning its claims. This
// satisfies the same shape as the retrieved session hub's TokenValidator
// interface (ValidateToken(tokenString) (*claims, error)).
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.CodeUnauthenticated, "unexpected signing method")
		}
		return m.signingKey, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = apperrors.New(apperrors.CodeUnauthenticated, "token failed validation")
		}
		return nil, apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid session token", err)
	}
	return claims, nil
}

// Resolve extracts a Principal from r: the session cookie if present and
// valid, else a valid "Bearer" Authorization header, otherwise an anonymous
// Principal. IPHash is always populated,
// authenticated or not, since the per-IP rate-limit ceiling applies to
// every caller regardless of login state (SPEC_FULL.md §4.5).
func (m *Manager) Resolve(r *http.Request) Principal {
	ipHash := HashIP(clientIP(r))
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		if claims, err := m.ValidateToken(cookie.Value); err == nil {
			return Principal{UserID: claims.UserID, IPHash: ipHash}
		}
	}
	if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		if claims, err := m.ValidateToken(header[7:]); err == nil {
			return Principal{UserID: claims.UserID, IPHash: ipHash}
		}
	}
	return Principal{IsAnonymous: true, IPHash: ipHash}
}

// HashIP returns a stable, non-reversible identifier for an IP address, used
// as the rate-limit and anonymous-ownership key instead of the raw address.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
