package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the validity window of a freshly issued token.
const DefaultTTL = 90 * 24 * time.Hour

var (
	// ErrMissingSecret is returned when signing or parsing without key material.
	ErrMissingSecret = errors.New("jwt: missing secret")
	// ErrMissingUser is returned when signing a token without a subject.
	ErrMissingUser = errors.New("jwt: missing user")
)

// Config controls token issuance and validation.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

// Manager signs and parses HS256 tokens. The key is supplied per call because
// it is derived from the server secret and the client identifier, so one
// Manager serves every client.
type Manager struct {
	config Config
}

// Claims is the payload carried by a session token.
type Claims struct {
	User string `json:"user"`
	SSO  bool   `json:"sso,omitempty"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a Manager.
//
// A zero TTL selects DefaultTTL.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Manager{config: cfg}, nil
}

// TTL reports the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Sign issues a token for user keyed by secret and returns it with the claims
// it carries.
func (m *Manager) Sign(user string, sso bool, secret []byte) (string, *Claims, error) {
	if user == "" {
		return "", nil, ErrMissingUser
	}
	if len(secret) == 0 {
		return "", nil, ErrMissingSecret
	}

	now := time.Now()
	claims := &Claims{
		User: user,
		SSO:  sso,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Parse verifies tokenStr against secret and returns its claims. Only HS256 is
// accepted, and an expiry is mandatory.
func (m *Manager) Parse(tokenStr string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.User == "" {
		return nil, ErrMissingUser
	}
	return claims, nil
}
