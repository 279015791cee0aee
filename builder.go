package goShield

import (
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	internalaudit "github.com/MrEthical07/goShield/internal/audit"
	"github.com/MrEthical07/goShield/internal/limiters"
	"github.com/MrEthical07/goShield/jwt"
	"github.com/MrEthical07/goShield/password"
	"github.com/MrEthical07/goShield/stm"
)

// Builder assembles an Engine. A Builder is single use.
type Builder struct {
	config   Config
	backend  stm.Backend
	workerID string
	users    UserProvider
	logger   zerolog.Logger

	auditSink AuditSink
	exchange  SSOExchange

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithUsers sets the user lookup.
func (b *Builder) WithUsers(users UserProvider) *Builder {
	b.users = users
	return b
}

// WithBackend sets the shared-state backend, usually an stm.Client connected
// to the coordinator or a Redis backend. Without one the Engine runs on a
// private in-process coordinator, which is only correct for a single process.
func (b *Builder) WithBackend(backend stm.Backend) *Builder {
	b.backend = backend
	return b
}

// WithWorkerID names this process inside the fleet. Defaults to a random UUID.
func (b *Builder) WithWorkerID(id string) *Builder {
	b.workerID = id
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the audit destination. Audit must also be enabled in Config.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSSOExchange overrides how the SSO secret is obtained. Without it the
// secret comes from sso.Exchange when Config.SSO.URL is set.
func (b *Builder) WithSSOExchange(exchange SSOExchange) *Builder {
	b.exchange = exchange
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the verify latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine. Key material is
// loaded later by Engine.Init.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.users == nil {
		return nil, errors.New("user provider required")
	}

	engine := &Engine{
		config:  cfg,
		logger:  b.logger,
		backend: b.backend,
		worker:  b.workerID,
		users:   b.users,
	}
	if engine.backend == nil {
		coord := stm.NewCoordinator(stm.NewStore(), stm.WithCoordinatorLogger(b.logger))
		engine.backend = coord
		engine.owned = []io.Closer{coord}
	}
	if engine.worker == "" {
		engine.worker = uuid.NewString()
	}

	engine.metrics = NewMetrics(cfg.Metrics)

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.vault, err = password.NewVault(hasher, cfg.Keys.Password)
	if err != nil {
		return nil, err
	}

	engine.tokens, err = jwt.NewManager(jwt.Config{
		TTL:    cfg.Token.TTL,
		Issuer: cfg.Token.Issuer,
		Leeway: cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	engine.hammering, err = limiters.NewAntiHammering(
		engine.Region(hammeringRegion),
		limiters.HammeringConfig{
			Threshold: cfg.Hammering.Threshold,
			Window:    cfg.Hammering.Window,
			Cooldown:  cfg.Hammering.Cooldown,
		},
		limiters.WithHammeringLogger(b.logger),
		limiters.WithCooldownObserver(engine.onCooldown),
	)
	if err != nil {
		return nil, err
	}

	engine.exchange = b.exchange
	if engine.exchange == nil && cfg.SSO.Enabled() {
		engine.exchange = engine.exchangeFromConfig
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true

	return engine, nil
}
