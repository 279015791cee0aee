package stm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds the retries of Update. The zero value retries without limit and
// without delay, which can livelock under sustained contention on one key.
type RetryPolicy struct {
	// MaxAttempts caps the number of write attempts. Zero means unbounded.
	MaxAttempts int
	// Backoff is the delay after the first conflict. It doubles per conflict up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// UpdateOption tunes Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	policy   RetryPolicy
	notify   bool
	attempts *int
}

// WithRetryPolicy bounds the retries of Update.
func WithRetryPolicy(p RetryPolicy) UpdateOption {
	return func(o *updateOptions) { o.policy = p }
}

// WithNotify broadcasts the accepted write.
func WithNotify() UpdateOption {
	return func(o *updateOptions) { o.notify = true }
}

// WithAttemptCounter stores the number of write attempts in *n once Update returns.
func WithAttemptCounter(n *int) UpdateOption {
	return func(o *updateOptions) { o.attempts = n }
}

// Update runs a read-modify-write cycle on key. mutate receives the current value, or
// initial when the key is absent, and changes it in place. On a version conflict the
// current value is re-read and mutate runs again. An error from mutate aborts Update.
func Update[T any](ctx context.Context, r Region, key string, initial T, mutate func(*T) error, opts ...UpdateOption) (T, error) {
	var (
		o    updateOptions
		zero T
	)
	for _, opt := range opts {
		opt(&o)
	}

	rawInitial, err := json.Marshal(initial)
	if err != nil {
		return zero, fmt.Errorf("stm: encode initial %s/%s: %w", r.Name(), key, err)
	}

	item, err := r.Get(ctx, key, rawInitial)
	if err != nil {
		return zero, err
	}
	if item == nil {
		return zero, fmt.Errorf("stm: %s/%s not materialized", r.Name(), key)
	}

	for attempt := 1; ; attempt++ {
		if o.attempts != nil {
			*o.attempts = attempt
		}

		var value T
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return zero, fmt.Errorf("stm: decode %s/%s: %w", r.Name(), key, err)
		}
		if err := mutate(&value); err != nil {
			return zero, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return zero, fmt.Errorf("stm: encode %s/%s: %w", r.Name(), key, err)
		}

		stored, err := r.Set(ctx, key, Item{Value: raw, Version: item.Version}, SetOptions{Notify: o.notify})
		if err == nil {
			var out T
			if err := json.Unmarshal(stored.Value, &out); err != nil {
				return zero, fmt.Errorf("stm: decode %s/%s: %w", r.Name(), key, err)
			}
			return out, nil
		}

		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return zero, err
		}
		if o.policy.MaxAttempts > 0 && attempt >= o.policy.MaxAttempts {
			return zero, fmt.Errorf("%w: %s/%s after %d attempts", ErrRetriesExhausted, r.Name(), key, attempt)
		}
		if d := o.policy.delay(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			}
		}
		current := conflict.Current
		item = &current
	}
}

// Load decodes the value stored under key. It reports false when the key is absent.
func Load[T any](ctx context.Context, r Region, key string) (T, bool, error) {
	var out T
	item, err := r.Get(ctx, key, nil)
	if err != nil || item == nil {
		return out, false, err
	}
	if err := json.Unmarshal(item.Value, &out); err != nil {
		return out, false, fmt.Errorf("stm: decode %s/%s: %w", r.Name(), key, err)
	}
	return out, true, nil
}
