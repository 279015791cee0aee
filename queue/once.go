package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/goShield/stm"
)

// DefaultCacheRegion holds the values computed by Once.
const DefaultCacheRegion = "shield"

type cached[T any] struct {
	Value T `json:"value"`
}

// Once returns the fleet-wide value for key, computing it with compute at most once.
//
// The lookup and the computation run under q's turn for key, so exactly one caller in
// the fleet computes while the others wait and then read the cached result from cache.
// A failed computation is not cached.
func Once[T any](ctx context.Context, q *Queue, cache stm.Region, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	return Do(ctx, q, key, func(ctx context.Context) (T, error) {
		var zero T
		hit, ok, err := stm.Load[cached[T]](ctx, cache, key)
		if err != nil {
			return zero, err
		}
		if ok {
			return hit.Value, nil
		}

		v, err := compute(ctx)
		if err != nil {
			return zero, err
		}
		raw, err := json.Marshal(cached[T]{Value: v})
		if err != nil {
			return zero, fmt.Errorf("queue: encode %s: %w", key, err)
		}
		if _, err := cache.Set(ctx, key, stm.Item{Value: raw}, stm.SetOptions{}); err != nil {
			var conflict *stm.ConflictError
			if !errors.As(err, &conflict) {
				return zero, err
			}
			var stored cached[T]
			if err := json.Unmarshal(conflict.Current.Value, &stored); err != nil {
				return zero, fmt.Errorf("queue: decode %s: %w", key, err)
			}
			return stored.Value, nil
		}
		return v, nil
	})
}
