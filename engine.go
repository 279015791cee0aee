package goShield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	internalaudit "github.com/MrEthical07/goShield/internal/audit"
	"github.com/MrEthical07/goShield/internal/limiters"
	"github.com/MrEthical07/goShield/jwt"
	"github.com/MrEthical07/goShield/password"
	"github.com/MrEthical07/goShield/queue"
	"github.com/MrEthical07/goShield/sso"
	"github.com/MrEthical07/goShield/stm"
)

const (
	hammeringRegion = "clientMap"

	cookieKeyName  = "cookie"
	ssoKeyName     = "sso"
	cookieKeyBytes = 48
)

type fleetKeys struct {
	cookie []byte
	sso    []byte
}

// Engine is the authentication core of one worker.
type Engine struct {
	config  Config
	logger  zerolog.Logger
	backend stm.Backend
	owned   []io.Closer
	worker  string
	users   UserProvider

	vault     *password.Vault
	tokens    *jwt.Manager
	hammering *limiters.AntiHammering
	exchange  SSOExchange
	audit     *internalaudit.Dispatcher
	metrics   *Metrics

	mu     sync.Mutex
	queues map[string]*queue.Queue

	keys atomic.Pointer[fleetKeys]
}

// WorkerID returns the fleet-unique name of this process.
func (e *Engine) WorkerID() string {
	return e.worker
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// CookieName is the name of the cookie carrying the token.
func (e *Engine) CookieName() string {
	return e.config.Token.CookieName
}

// Region returns a shared-state region for application use. Write conflicts
// on it are counted in MetricSTMConflict.
func (e *Engine) Region(name string) stm.Region {
	return observedRegion{Region: e.backend.Region(name), metrics: e.metrics}
}

// Queue returns the fleet-wide serialized queue stored in region name.
func (e *Engine) Queue(name string) *queue.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[name]; ok {
		return q
	}
	if e.queues == nil {
		e.queues = make(map[string]*queue.Queue)
	}
	q := queue.New(e, name, e.worker,
		queue.WithLogger(e.logger),
		queue.WithWaitObserver(func(string, time.Duration) {
			e.metricInc(MetricQueueAcquired)
		}),
	)
	e.queues[name] = q
	return q
}

// ExecuteOnce returns the fleet-wide value for key, computing it at most once
// across all workers sharing e's backend.
func ExecuteOnce[T any](ctx context.Context, e *Engine, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	return queue.Once(ctx, e.Queue(queue.DefaultRegion), e.Region(queue.DefaultCacheRegion), key, compute)
}

// Init loads the cookie signing key and, when SSO is configured, the SSO
// secret. Each is computed by exactly one worker of the fleet. A failed SSO
// exchange is logged and leaves SSO disabled.
func (e *Engine) Init(ctx context.Context) error {
	cookie, err := ExecuteOnce(ctx, e, cookieKeyName, func(context.Context) (string, error) {
		if e.config.Keys.Cookie != "" {
			return e.config.Keys.Cookie, nil
		}
		return randomHex(cookieKeyBytes)
	})
	if err != nil {
		return fmt.Errorf("load cookie key: %w", err)
	}
	keys := &fleetKeys{cookie: decodeKey(cookie)}

	if e.exchange != nil {
		secret, err := ExecuteOnce(ctx, e, ssoKeyName, e.runExchange)
		if err != nil {
			return fmt.Errorf("load sso secret: %w", err)
		}
		if secret != "" {
			keys.sso = []byte(secret)
		}
	}

	e.keys.Store(keys)
	return nil
}

// SSOEnabled reports whether tokens are checked against an SSO secret.
func (e *Engine) SSOEnabled() bool {
	k := e.keys.Load()
	return k != nil && len(k.sso) > 0
}

func (e *Engine) runExchange(ctx context.Context) (string, error) {
	secret, err := e.exchange(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		e.logger.Error().Err(err).Msg("SSO: key exchange failed, continuing without SSO")
		e.metricInc(MetricSSOExchangeFailure)
		e.emitAudit(ctx, auditEventSSOExchange, "", "", false, err, nil)
		return "", nil
	}
	e.metricInc(MetricSSOExchangeSuccess)
	e.emitAudit(ctx, auditEventSSOExchange, "", "", true, nil, nil)
	return secret, nil
}

func (e *Engine) exchangeFromConfig(ctx context.Context) (string, error) {
	priv, err := jwt.ParsePrivateKey(e.config.SSO.Certificate)
	if err != nil {
		return "", fmt.Errorf("sso certificate: %w", err)
	}
	authority, err := jwt.ParsePublicKey(e.config.SSO.AuthorityCertificate)
	if err != nil {
		return "", fmt.Errorf("sso authority certificate: %w", err)
	}
	return sso.Exchange(ctx, sso.Config{
		URL:          e.config.SSO.URL,
		PrivateKey:   priv,
		AuthorityKey: authority,
		Curve:        e.config.SSO.Curve,
		Timeout:      e.config.SSO.Timeout,
	})
}

// Close flushes the audit dispatcher and releases resources the Engine created.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	for _, c := range e.owned {
		_ = c.Close()
	}
}

// AuditDropped returns how many audit events were dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns the current metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) onCooldown(client string, count int) {
	e.metricInc(MetricHammeringDelay)
	e.logger.Warn().Str("client", client).Int("count", count).Msg("hammering detected, delaying response")
	e.emitAudit(context.Background(), auditEventHammeringCooldown, "", client, false, nil, func() map[string]string {
		return map[string]string{"count": fmt.Sprint(count)}
	})
}

type observedRegion struct {
	stm.Region
	metrics *Metrics
}

func (r observedRegion) Set(ctx context.Context, key string, item stm.Item, opts stm.SetOptions) (stm.Item, error) {
	out, err := r.Region.Set(ctx, key, item, opts)
	if errors.Is(err, stm.ErrConflict) {
		r.metrics.Inc(MetricSTMConflict)
	}
	return out, err
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// decodeKey accepts hex keys and falls back to the raw bytes of anything else.
func decodeKey(key string) []byte {
	if b, err := hex.DecodeString(key); err == nil && len(b) > 0 {
		return b
	}
	return []byte(key)
}
