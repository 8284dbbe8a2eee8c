package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName is the session cookie consulted when no bearer header is present.
	DefaultCookieName = "tillsync_session"
	// AccessTokenQueryParameter carries the session for websocket upgrades from clients that cannot set headers.
	AccessTokenQueryParameter = "access_token"

	bearerPrefix = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionScope      = errors.New("session validator: tenant scope required")
)

// SessionClaims is the JWT payload attached to every terminal session.
// The subject is the device identifier.
type SessionClaims struct {
	ClientID string `json:"client_id"`
	BranchID string `json:"branch_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate device session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 device session JWTs.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		claims.DeviceID = strings.TrimSpace(claims.Subject)
	}
	if strings.TrimSpace(claims.ClientID) == "" || strings.TrimSpace(claims.BranchID) == "" || strings.TrimSpace(claims.DeviceID) == "" {
		return SessionClaims{}, ErrMissingSessionScope
	}
	return *claims, nil
}

// ValidateRequest looks for the session in the Authorization header, then the session cookie,
// then the access_token query parameter.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return SessionClaims{}, ErrInvalidSessionToken
		}
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
		return v.ValidateToken(cookie.Value)
	}
	if token := r.URL.Query().Get(AccessTokenQueryParameter); token != "" {
		return v.ValidateToken(token)
	}
	return SessionClaims{}, ErrMissingSessionToken
}
