// Package auth resolves the participant identity attached to a connection.
//
// The platform's identity provider mints HS256 tokens; the relay only
// verifies them. Connections without a credential are tolerated and treated
// as anonymous, matching the behavior of the upstream booking platform.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	// ModeNone accepts every connection as anonymous.
	ModeNone Mode = "none"
	// ModeJWT verifies HS256 tokens when presented; absent tokens still
	// connect anonymously, invalid tokens are refused.
	ModeJWT Mode = "jwt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Identity is the resolved participant identity for one connection.
type Identity struct {
	ID   string
	Name string

	// Room is the booking id the credential was minted for, when the token is
	// room-scoped. Empty for platform-wide identity tokens.
	Room string

	Anonymous bool
}

// Anonymous is the identity attached to credential-less connections.
func AnonymousIdentity() Identity {
	return Identity{Name: "AnonymousUser", Anonymous: true}
}

// Claims is the relay's token payload: subject is the user id, name is the
// display name, room (optional) scopes the token to one booking.
type Claims struct {
	Name string `json:"name,omitempty"`
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates a credential string and produces the identity it proves.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(mode Mode, jwtSecret string) (Verifier, error) {
	switch mode {
	case ModeNone:
		return anonymousVerifier{}, nil
	case ModeJWT:
		if jwtSecret == "" {
			return nil, errors.New("auth mode jwt requires a signing secret")
		}
		return &JWTVerifier{secret: []byte(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

type anonymousVerifier struct{}

func (anonymousVerifier) Verify(string) (Identity, error) {
	return AnonymousIdentity(), nil
}

// JWTVerifier validates HS256 tokens issued by the platform (or by
// tokens.Issuer for room-scoped session tokens).
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredentials
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	name := claims.Name
	if name == "" {
		name = "User"
	}
	return Identity{
		ID:   claims.Subject,
		Name: name,
		Room: claims.Room,
	}, nil
}

// CredentialFromQuery extracts the connection credential from the upgrade
// request's query string. Browsers cannot set headers on WebSocket upgrades,
// so the token travels as ?token=.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
