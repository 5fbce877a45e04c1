// Package tokens mints short-lived, booking-scoped session tokens.
//
// The original platform delegated this to an external media provider; the
// relay owns it now so a participant can present one credential for both the
// signaling socket and the (browser-side) media session.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/advocateshub/session-relay/internal/auth"
)

var ErrNotConfigured = errors.New("token signing secret not configured")

// Issuer mints HS256 tokens scoped to one booking room.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string

	// now is injectable for deterministic expiry in tests.
	now func() time.Time
}

type IssuerConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrNotConfigured
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	name := cfg.Issuer
	if name == "" {
		name = "session-relay"
	}
	return &Issuer{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		issuer: name,
		now:    time.Now,
	}, nil
}

// Mint returns a signed token proving that identity may join the given
// booking room until the TTL elapses.
func (i *Issuer) Mint(identity, displayName, bookingID string) (string, error) {
	now := i.now()
	claims := auth.Claims{
		Name: displayName,
		Room: bookingID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// TTLSeconds reports the configured token lifetime.
func (i *Issuer) TTLSeconds() int64 { return int64(i.ttl.Seconds()) }
