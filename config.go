package goShield

import (
	"errors"
	"strings"
	"time"
)

// Config holds every tunable of the Engine.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	Keys      KeysConfig
	Token     TokenConfig
	Hammering HammeringConfig
	Password  PasswordConfig
	SSO       SSOConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
KEYS CONFIG
====================================
*/

// KeysConfig holds the server secrets.
type KeysConfig struct {
	// Cookie is the token signing key, hex encoded. When empty the fleet
	// generates one at Init and shares it through the queue.
	Cookie string
	// Password encrypts the stored argon2 hashes.
	Password string
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls issued tokens and the cookie that carries them.
type TokenConfig struct {
	TTL        time.Duration
	Issuer     string
	Leeway     time.Duration
	CookieName string
}

/*
====================================
HAMMERING CONFIG
====================================
*/

// HammeringConfig tunes the anti-hammering limiter.
type HammeringConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the argon2id cost used by GenerateAuthHash.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
SSO CONFIG
====================================
*/

// SSOConfig describes the SSO authority. SSO is disabled when URL is empty.
type SSOConfig struct {
	URL string
	// Certificate is the PEM encoded RSA private key signing our assertion.
	Certificate []byte
	// AuthorityCertificate is the PEM certificate or public key of the authority.
	AuthorityCertificate []byte
	// BaseURL is reported on tokens verified with the SSO secret.
	BaseURL string
	Curve   string
	Timeout time.Duration
}

// Enabled reports whether an SSO authority is configured.
func (c SSOConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the defaults of a gateway: 90 day tokens in cookie
// "token", three failures per 30s before a 10s cooldown.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			TTL:        90 * 24 * time.Hour,
			CookieName: "token",
		},
		Hammering: HammeringConfig{
			Threshold: 3,
			Window:    30 * time.Second,
			Cooldown:  10 * time.Second,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		SSO: SSOConfig{
			Curve:   "secp521r1",
			Timeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.SSO.Certificate = cloneBytes(cfg.SSO.Certificate)
	out.SSO.AuthorityCertificate = cloneBytes(cfg.SSO.AuthorityCertificate)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	// Keys
	if c.Keys.Password == "" {
		return errors.New("Keys Password must be set")
	}

	// Token
	if c.Token.TTL <= 0 {
		return errors.New("Token TTL must be > 0")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}
	if strings.TrimSpace(c.Token.CookieName) == "" {
		return errors.New("Token CookieName must be set")
	}

	// Hammering
	if c.Hammering.Threshold < 0 {
		return errors.New("Hammering Threshold must be >= 0")
	}
	if c.Hammering.Window <= 0 {
		return errors.New("Hammering Window must be > 0")
	}
	if c.Hammering.Cooldown < 0 {
		return errors.New("Hammering Cooldown must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// SSO
	if c.SSO.Enabled() {
		if len(c.SSO.Certificate) == 0 {
			return errors.New("SSO Certificate must be set when SSO URL is configured")
		}
		if len(c.SSO.AuthorityCertificate) == 0 {
			return errors.New("SSO AuthorityCertificate must be set when SSO URL is configured")
		}
	}
	if c.SSO.Timeout < 0 {
		return errors.New("SSO Timeout must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
