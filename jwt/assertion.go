package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AssertionTTL bounds how long a key-exchange assertion stays acceptable.
	AssertionTTL = 10 * time.Second
	// AssertionIssuer is stamped on every outgoing assertion.
	AssertionIssuer = "shield"
)

// ErrInvalidKey is returned when PEM material cannot be used as an RSA key.
var ErrInvalidKey = errors.New("jwt: invalid rsa key")

// KeyExchangeClaims is the assertion exchanged with an SSO authority. Key is
// the hex-encoded public half of an ECDH key pair.
type KeyExchangeClaims struct {
	Key   string `json:"key"`
	Curve string `json:"curve,omitempty"`
	jwt.RegisteredClaims
}

// SignAssertion signs an RS256 assertion over key with a short expiry.
func SignAssertion(key, curve string, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrInvalidKey
	}
	now := time.Now()
	claims := KeyExchangeClaims{
		Key:   key,
		Curve: curve,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    AssertionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AssertionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
}

// ParseAssertion verifies an RS256 assertion against pub.
func ParseAssertion(tokenStr string, pub *rsa.PublicKey) (*KeyExchangeClaims, error) {
	if pub == nil {
		return nil, ErrInvalidKey
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenStr, &KeyExchangeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*KeyExchangeClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Key == "" {
		return nil, fmt.Errorf("%w: empty key", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key (PKCS1 or PKCS8).
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// ParsePublicKey decodes an RSA public key from a PEM public key block or an
// X.509 certificate.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil && block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: certificate does not carry an rsa key", ErrInvalidKey)
		}
		return pub, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
