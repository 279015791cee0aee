package goShield

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"

	internalaudit "github.com/MrEthical07/goShield/internal/audit"
	internalmetrics "github.com/MrEthical07/goShield/internal/metrics"
)

// Token is the result of a successful Authenticate or Verify. It is rebuilt
// from SignedData plus the current user record on every request.
type Token struct {
	SignedData string
	User       string
	// Exp is the expiry in epoch seconds.
	Exp        int64
	Roles      []string
	BaseURL    string
	IsExternal bool
}

// HasRole reports whether role is granted. An empty requirement always passes.
func (t *Token) HasRole(role string) bool {
	if role == "" {
		return true
	}
	if t == nil {
		return false
	}
	return slices.Contains(t.Roles, role)
}

// Expires returns Exp as a time.
func (t *Token) Expires() time.Time {
	return time.Unix(t.Exp, 0)
}

// User is one entry of the user table. Key is the encrypted argon2 hash
// produced by GenerateAuthHash.
type User struct {
	Name  string   `yaml:"-" json:"-"`
	Key   string   `yaml:"key" json:"key"`
	Roles []string `yaml:"roles" json:"roles"`
	// Trusted marks a stub built for an external identity without local record.
	Trusted bool `yaml:"-" json:"-"`
}

// UserProvider looks up users by name. With trusted set, an unknown name
// yields a stub without roles instead of ErrUnknownUser.
type UserProvider interface {
	GetUser(ctx context.Context, name string, trusted bool) (User, error)
}

// StaticUsers serves the user table from configuration.
type StaticUsers map[string]User

// GetUser implements UserProvider.
func (s StaticUsers) GetUser(_ context.Context, name string, trusted bool) (User, error) {
	user, ok := s[name]
	if !ok {
		if trusted {
			return User{Name: name, Trusted: true}, nil
		}
		return User{}, fmt.Errorf("%w [%s]", ErrUnknownUser, name)
	}
	user.Name = name
	user.Roles = slices.Clone(user.Roles)
	return user, nil
}

// Credentials is a name/password pair presented for local authentication.
type Credentials struct {
	Name string
	Pass string
}

// Payload is what gets signed into a token.
type Payload struct {
	User string
	SSO  bool
}

// Identity is what a Provider establishes: the user record and the payload
// to sign for it.
type Identity struct {
	User    User
	Payload Payload
}

// Provider verifies one kind of credential. It receives the user lookup so
// every provider shares the same issuance path.
type Provider func(ctx context.Context, users UserProvider) (Identity, error)

// SSOExchange obtains the SSO shared secret. It runs once per fleet.
type SSOExchange func(ctx context.Context) (string, error)

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives AuditEvent values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an AuditSink that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based AuditSink.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an AuditSink that writes JSON-encoded events to an io.Writer.
type JSONWriterSink = internalaudit.JSONWriterSink

// LogSink is an AuditSink that writes events through zerolog.
type LogSink = internalaudit.LogSink

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a JSONWriterSink that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return internalaudit.NewLogSink(logger)
}

// MetricID identifies a counter or histogram in the in-process metrics.
type MetricID = internalmetrics.MetricID

const (
	MetricAuthSuccess        = internalmetrics.MetricAuthSuccess
	MetricAuthFailure        = internalmetrics.MetricAuthFailure
	MetricVerifySuccess      = internalmetrics.MetricVerifySuccess
	MetricVerifyFailure      = internalmetrics.MetricVerifyFailure
	MetricVerifySSO          = internalmetrics.MetricVerifySSO
	MetricHammeringDelay     = internalmetrics.MetricHammeringDelay
	MetricSSOExchangeSuccess = internalmetrics.MetricSSOExchangeSuccess
	MetricSSOExchangeFailure = internalmetrics.MetricSSOExchangeFailure
	MetricSTMConflict        = internalmetrics.MetricSTMConflict
	MetricQueueAcquired      = internalmetrics.MetricQueueAcquired
	MetricVerifyLatency      = internalmetrics.MetricVerifyLatency
)

// Metrics holds atomic counters and the optional verify latency histogram.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a Metrics instance. When Enabled is false every operation is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
