package goShield

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/MrEthical07/goShield/jwt"
)

// Authenticate runs provider, issues a token bound to client and passes the
// outcome through the anti-hammering limiter. Every rejection is logged with
// its cause and surfaced as ErrWrongCredentials.
func (e *Engine) Authenticate(ctx context.Context, provider Provider, client string) (*Token, error) {
	token, err := e.authenticate(ctx, provider, client)
	if err != nil {
		err = e.credentialError(ctx, client, err)
		e.metricInc(MetricAuthFailure)
		e.emitAudit(ctx, auditEventAuthFailure, "", client, false, err, nil)
	} else {
		e.metricInc(MetricAuthSuccess)
		e.emitAudit(ctx, auditEventAuthSuccess, token.User, client, true, nil, nil)
	}

	if err := e.hammering.Check(ctx, client, err); err != nil {
		return nil, err
	}
	return token, nil
}

// AuthenticateCredentials is Authenticate with the local password provider.
func (e *Engine) AuthenticateCredentials(ctx context.Context, credentials Credentials, client string) (*Token, error) {
	return e.Authenticate(ctx, e.CredentialsProvider(credentials), client)
}

// AuthenticateCertificate is Authenticate with the client certificate provider.
func (e *Engine) AuthenticateCertificate(ctx context.Context, cert *x509.Certificate, client string) (*Token, error) {
	return e.Authenticate(ctx, CertificateProvider(cert), client)
}

func (e *Engine) authenticate(ctx context.Context, provider Provider, client string) (*Token, error) {
	if provider == nil {
		return nil, errors.New("nil provider")
	}
	keys := e.keys.Load()
	if keys == nil {
		return nil, ErrEngineNotReady
	}

	identity, err := provider(ctx, e.users)
	if err != nil {
		return nil, err
	}

	signed, claims, err := e.tokens.Sign(identity.Payload.User, identity.Payload.SSO, clientSecret(keys.cookie, client))
	if err != nil {
		return nil, fmt.Errorf("sign token for user [%s]: %w", identity.Payload.User, err)
	}
	return newToken(signed, claims, identity.User, "", false), nil
}

// credentialError logs cause and replaces it with ErrWrongCredentials.
func (e *Engine) credentialError(_ context.Context, client string, cause error) error {
	if errors.Is(cause, ErrWrongCredentials) {
		return cause
	}
	e.logger.Error().Str("client", client).Msg(cause.Error())
	return ErrWrongCredentials
}

// CredentialsProvider checks a name and password against the stored
// encrypted hash of that user.
func (e *Engine) CredentialsProvider(credentials Credentials) Provider {
	return func(ctx context.Context, users UserProvider) (Identity, error) {
		user, err := users.GetUser(ctx, credentials.Name, false)
		if err != nil {
			return Identity{}, err
		}
		if credentials.Pass == "" || user.Key == "" {
			return Identity{}, fmt.Errorf("%w [%s]", ErrWrongPassword, credentials.Name)
		}
		ok, err := e.vault.Verify(credentials.Name, credentials.Pass, user.Key)
		if err != nil {
			return Identity{}, fmt.Errorf("verify password for user [%s]: %w", credentials.Name, err)
		}
		if !ok {
			return Identity{}, fmt.Errorf("%w [%s]", ErrWrongPassword, credentials.Name)
		}
		return Identity{
			User:    user,
			Payload: Payload{User: credentials.Name},
		}, nil
	}
}

// CertificateProvider trusts a verified client certificate. The subject CN
// names the user; names without a local record get a stub without roles.
func CertificateProvider(cert *x509.Certificate) Provider {
	return func(ctx context.Context, users UserProvider) (Identity, error) {
		if cert == nil || cert.Subject.CommonName == "" {
			return Identity{}, ErrMissingCertificate
		}
		name := cert.Subject.CommonName
		user, err := users.GetUser(ctx, name, true)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			User:    user,
			Payload: Payload{User: name, SSO: true},
		}, nil
	}
}

// Verify checks signedData presented by client. The SSO secret is tried first
// when configured, then the local secret bound to client. Tokens carrying the
// sso flag resolve unknown users to a stub instead of failing.
func (e *Engine) Verify(ctx context.Context, signedData, client string) (*Token, error) {
	start := time.Now()
	token, err := e.verify(ctx, signedData, client)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventVerifyFailure, "", client, false, err, nil)
		return nil, err
	}
	e.metricInc(MetricVerifySuccess)
	return token, nil
}

func (e *Engine) verify(ctx context.Context, signedData, client string) (*Token, error) {
	if signedData == "" {
		return nil, ErrMissingSignedData
	}
	keys := e.keys.Load()
	if keys == nil {
		return nil, ErrEngineNotReady
	}

	var (
		claims   *jwt.Claims
		external bool
		err      error
	)
	if len(keys.sso) > 0 {
		claims, err = e.tokens.Parse(signedData, keys.sso)
		if err == nil {
			external = true
			e.metricInc(MetricVerifySSO)
		} else {
			e.logger.Debug().Err(err).Str("client", client).Msg("sso verification failed, trying local secret")
		}
	}
	if claims == nil {
		claims, err = e.tokens.Parse(signedData, clientSecret(keys.cookie, client))
		if err != nil {
			e.logger.Error().Err(err).Str("client", client).Msg("token verification failed")
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	user, err := e.users.GetUser(ctx, claims.User, claims.SSO || external)
	if err != nil {
		return nil, e.credentialError(ctx, client, err)
	}

	baseURL := ""
	if external {
		baseURL = e.config.SSO.BaseURL
	}
	return newToken(signedData, claims, user, baseURL, external), nil
}

// GenerateAuthHash returns the encrypted argon2 hash to store as the Key of
// user name.
func (e *Engine) GenerateAuthHash(credentials Credentials) (string, error) {
	return e.vault.Seal(credentials.Name, credentials.Pass)
}

// ClearHammering resets the failure count of client.
func (e *Engine) ClearHammering(ctx context.Context, client string) error {
	return e.hammering.Clear(ctx, client)
}

func newToken(signed string, claims *jwt.Claims, user User, baseURL string, external bool) *Token {
	t := &Token{
		SignedData: signed,
		User:       claims.User,
		Roles:      slices.Clone(user.Roles),
		BaseURL:    baseURL,
		IsExternal: external,
	}
	if t.Roles == nil {
		t.Roles = []string{}
	}
	if claims.ExpiresAt != nil {
		t.Exp = claims.ExpiresAt.Unix()
	}
	return t
}

// clientSecret binds key to the client address: the IPv4 or IPv6 octets are
// appended to the key. Identifiers that are not addresses are appended as is.
func clientSecret(key []byte, client string) []byte {
	out := make([]byte, 0, len(key)+16)
	out = append(out, key...)
	if addr, err := netip.ParseAddr(client); err == nil {
		return append(out, addr.Unmap().AsSlice()...)
	}
	return append(out, client...)
}
