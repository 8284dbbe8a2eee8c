package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingDeviceScope   = errors.New("device, client and branch identifiers must be provided")
)

// TokenIssuerConfig configures the device token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceGrant is the identity handed to a terminal at license activation.
type DeviceGrant struct {
	DeviceID string
	ClientID string
	BranchID string
	Role     string
}

// TokenIssuer issues device session JWTs accepted by SessionValidator.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        strings.TrimSpace(cfg.Issuer),
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueDeviceToken produces a signed JWT and its expiry (seconds) for the device.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, grant DeviceGrant) (string, int64, error) {
	deviceID := strings.TrimSpace(grant.DeviceID)
	clientID := strings.TrimSpace(grant.ClientID)
	branchID := strings.TrimSpace(grant.BranchID)
	if deviceID == "" || clientID == "" || branchID == "" {
		return "", 0, errMissingDeviceScope
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := SessionClaims{
		ClientID: clientID,
		BranchID: branchID,
		DeviceID: deviceID,
		Role:     strings.TrimSpace(grant.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
