// Package sso performs the one-time ECDH key exchange with an SSO authority.
//
// The client signs its public ECDH key into a short-lived RS256 assertion and
// posts it to the authority. The authority answers with its own signed public
// key in the authorization header. Both sides hash the Diffie-Hellman result
// into the shared secret that verifies federated tokens.
package sso

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goShield/jwt"
)

// DefaultCurve is the curve offered to the authority.
const DefaultCurve = "secp521r1"

// DefaultTimeout bounds a single exchange round trip.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotConfigured is returned when the exchange lacks a URL or keys.
	ErrNotConfigured = errors.New("sso: not configured")
	// ErrUnsupportedCurve is returned for curve names outside P-256/P-384/P-521.
	ErrUnsupportedCurve = errors.New("sso: unsupported curve")
	// ErrAuthorityStatus is returned when the authority answers with a non-200 status.
	ErrAuthorityStatus = errors.New("sso: authority rejected exchange")
	// ErrMissingAuthorization is returned when the authority response has no authorization header.
	ErrMissingAuthorization = errors.New("sso: missing authorization header")
)

// Config describes the authority and the keys used to talk to it.
type Config struct {
	URL          string
	PrivateKey   *rsa.PrivateKey
	AuthorityKey *rsa.PublicKey
	Curve        string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Curve maps an OpenSSL style curve name to its ecdh implementation.
func Curve(name string) (ecdh.Curve, error) {
	switch name {
	case "secp521r1", "P-521":
		return ecdh.P521(), nil
	case "secp384r1", "P-384":
		return ecdh.P384(), nil
	case "prime256v1", "secp256r1", "P-256":
		return ecdh.P256(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurve, name)
	}
}

// NormalizeKey hashes raw key material into the hex string used as HMAC key.
func NormalizeKey(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DeriveSecret combines priv with the hex-encoded peer key.
func DeriveSecret(priv *ecdh.PrivateKey, peerHex string) (string, error) {
	raw, err := hex.DecodeString(peerHex)
	if err != nil {
		return "", fmt.Errorf("sso: decode peer key: %w", err)
	}
	peer, err := priv.Curve().NewPublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("sso: peer key: %w", err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return "", fmt.Errorf("sso: ecdh: %w", err)
	}
	return NormalizeKey(shared), nil
}

// Exchange runs one key exchange against cfg.URL and returns the shared secret.
func Exchange(ctx context.Context, cfg Config) (string, error) {
	if cfg.URL == "" || cfg.PrivateKey == nil || cfg.AuthorityKey == nil {
		return "", ErrNotConfigured
	}
	if cfg.Curve == "" {
		cfg.Curve = DefaultCurve
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	curve, err := Curve(cfg.Curve)
	if err != nil {
		return "", err
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("sso: generate key: %w", err)
	}
	assertion, err := jwt.SignAssertion(hex.EncodeToString(priv.PublicKey().Bytes()), cfg.Curve, cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sso: sign assertion: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	form := url.Values{"token": {assertion}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("sso: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sso: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrAuthorityStatus, resp.Status)
	}
	answer := resp.Header.Get("Authorization")
	if answer == "" {
		return "", ErrMissingAuthorization
	}
	claims, err := jwt.ParseAssertion(answer, cfg.AuthorityKey)
	if err != nil {
		return "", fmt.Errorf("sso: verify authority response: %w", err)
	}
	return DeriveSecret(priv, claims.Key)
}
