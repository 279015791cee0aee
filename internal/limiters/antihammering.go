package limiters

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goShield/stm"
	"github.com/rs/zerolog"
)

// HammeringConfig holds the sliding-window tuning of the anti-hammering limiter.
type HammeringConfig struct {
	// Threshold is the failure count tolerated inside one window.
	Threshold int
	// Window is the sliding window length.
	Window time.Duration
	// Cooldown is the delay applied once Threshold is exceeded.
	Cooldown time.Duration
}

var (
	// ErrHammeringConfig indicates an unusable limiter configuration.
	ErrHammeringConfig = errors.New("invalid anti-hammering configuration")
)

// HammeringEntry is the stored state for one client identifier.
type HammeringEntry struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

// AntiHammering delays authentication outcomes for clients that fail too often.
//
// The delay is applied whether the triggering attempt succeeded or failed, and the
// outcome itself is always forwarded unchanged.
type AntiHammering struct {
	region     stm.Region
	config     HammeringConfig
	logger     zerolog.Logger
	now        func() time.Time
	onCooldown func(id string, count int)
}

// HammeringOption configures AntiHammering.
type HammeringOption func(*AntiHammering)

// WithHammeringLogger sets the logger used when the backing region fails.
func WithHammeringLogger(l zerolog.Logger) HammeringOption {
	return func(a *AntiHammering) { a.logger = l }
}

// WithCooldownObserver is called each time a cooldown delay is applied.
func WithCooldownObserver(fn func(id string, count int)) HammeringOption {
	return func(a *AntiHammering) { a.onCooldown = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HammeringOption {
	return func(a *AntiHammering) { a.now = now }
}

// NewAntiHammering creates a limiter keeping one entry per identifier in region.
func NewAntiHammering(region stm.Region, cfg HammeringConfig, opts ...HammeringOption) (*AntiHammering, error) {
	if cfg.Threshold < 0 || cfg.Window <= 0 || cfg.Cooldown < 0 {
		return nil, ErrHammeringConfig
	}
	a := &AntiHammering{
		region: region,
		config: cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Check records the outcome of an attempt by id and returns it unchanged, after the
// cooldown delay when id exceeded the threshold. A nil outcome is a success.
//
// A failure inside the window increments the count; any attempt after the window
// restarts it at 1. Backing store errors are logged and skip the delay. Cancelling ctx
// cuts the delay short.
func (a *AntiHammering) Check(ctx context.Context, id string, outcome error) error {
	if a == nil {
		return outcome
	}
	failed := outcome != nil

	entry, err := stm.Update(ctx, a.region, id, a.initial(), func(e *HammeringEntry) error {
		now := a.now()
		if now.UnixMilli()-e.Timestamp < a.config.Window.Milliseconds() {
			if failed {
				e.Count++
			}
		} else {
			e.Count = 1
		}
		e.Timestamp = now.UnixMilli()
		return nil
	})
	if err != nil {
		a.logger.Error().Err(err).Str("client", id).Msg("anti-hammering update failed")
		return outcome
	}

	if entry.Count > a.config.Threshold && a.config.Cooldown > 0 {
		if a.onCooldown != nil {
			a.onCooldown(id, entry.Count)
		}
		t := time.NewTimer(a.config.Cooldown)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return outcome
}

// Clear resets the failure count of id to zero.
func (a *AntiHammering) Clear(ctx context.Context, id string) error {
	if a == nil {
		return nil
	}
	_, err := stm.Update(ctx, a.region, id, a.initial(), func(e *HammeringEntry) error {
		e.Count = 0
		return nil
	})
	return err
}

// Entry returns the stored state of id.
func (a *AntiHammering) Entry(ctx context.Context, id string) (HammeringEntry, bool, error) {
	return stm.Load[HammeringEntry](ctx, a.region, id)
}

func (a *AntiHammering) initial() HammeringEntry {
	return HammeringEntry{Count: 0, Timestamp: a.now().UnixMilli()}
}
