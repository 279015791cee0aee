package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/goShield/jwt"
)

// Authority is a minimal SSO authority. It accepts assertions signed by a
// known client key, answers with its own ECDH half, and remembers the last
// derived secret. It backs local development setups and tests.
type Authority struct {
	key       *rsa.PrivateKey
	clientKey *rsa.PublicKey
	logger    zerolog.Logger

	mu     sync.Mutex
	secret string
}

// NewAuthority returns an Authority signing with key and trusting clientKey.
func NewAuthority(key *rsa.PrivateKey, clientKey *rsa.PublicKey, logger zerolog.Logger) *Authority {
	return &Authority{key: key, clientKey: clientKey, logger: logger}
}

// Secret returns the secret derived by the most recent exchange.
func (a *Authority) Secret() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.secret
}

// ServeHTTP implements http.Handler.
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	claims, err := jwt.ParseAssertion(r.PostForm.Get("token"), a.clientKey)
	if err != nil {
		a.logger.Error().Err(err).Msg("sso authority: rejected assertion")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	curve, err := Curve(claims.Curve)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	secret, err := DeriveSecret(priv, claims.Key)
	if err != nil {
		a.logger.Error().Err(err).Msg("sso authority: derive secret")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	signed, err := jwt.SignAssertion(hex.EncodeToString(priv.PublicKey().Bytes()), "", a.key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	a.mu.Lock()
	a.secret = secret
	a.mu.Unlock()

	w.Header().Set("Authorization", signed)
	w.WriteHeader(http.StatusOK)
}
