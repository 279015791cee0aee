package limiters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goShield/stm"
)

var errWrong = errors.New("wrong credentials")

func newTestHammering(t *testing.T, cooldown time.Duration, opts ...HammeringOption) *AntiHammering {
	t.Helper()
	c := stm.NewCoordinator(nil)
	t.Cleanup(func() { _ = c.Close() })
	a, err := NewAntiHammering(c.Region("hammering"), HammeringConfig{
		Threshold: 3,
		Window:    30 * time.Second,
		Cooldown:  cooldown,
	}, opts...)
	if err != nil {
		t.Fatalf("NewAntiHammering failed: %v", err)
	}
	return a
}

func TestHammeringDelaysAfterThreshold(t *testing.T) {
	const cooldown = 60 * time.Millisecond
	a := newTestHammering(t, cooldown)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := a.Check(ctx, "10.0.0.1", errWrong); !errors.Is(err, errWrong) {
			t.Fatalf("failure %d not forwarded: %v", i, err)
		}
	}
	if err := a.Check(ctx, "10.0.0.1", nil); err != nil {
		t.Fatalf("success must be forwarded as success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*cooldown {
		t.Fatalf("expected at least %s of cooldown, got %s", 2*cooldown, elapsed)
	}

	entry, ok, err := a.Entry(ctx, "10.0.0.1")
	if err != nil || !ok || entry.Count != 4 {
		t.Fatalf("unexpected entry %+v ok=%v err=%v", entry, ok, err)
	}
}

func TestHammeringBelowThresholdIsImmediate(t *testing.T) {
	a := newTestHammering(t, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_ = a.Check(ctx, "10.0.0.2", errWrong)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("delay applied below threshold: %s", elapsed)
	}
}

func TestHammeringClearResetsCount(t *testing.T) {
	a := newTestHammering(t, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = a.Check(ctx, "10.0.0.3", errWrong)
	}
	if err := a.Clear(ctx, "10.0.0.3"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	entry, _, _ := a.Entry(ctx, "10.0.0.3")
	if entry.Count != 0 {
		t.Fatalf("expected count 0 after clear, got %d", entry.Count)
	}

	start := time.Now()
	_ = a.Check(ctx, "10.0.0.3", errWrong)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("failure after clear re-triggered cooldown: %s", elapsed)
	}
}

func TestHammeringWindowRestartsCount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := newTestHammering(t, time.Second, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = a.Check(ctx, "ip", errWrong)
	}
	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	_ = a.Check(ctx, "ip", errWrong)
	entry, _, _ := a.Entry(ctx, "ip")
	if entry.Count != 1 {
		t.Fatalf("expected count restart at 1, got %d", entry.Count)
	}
	if entry.Timestamp != now.UnixMilli() {
		t.Fatalf("timestamp not refreshed: %d", entry.Timestamp)
	}
}

func TestHammeringSuccessInsideWindowKeepsCount(t *testing.T) {
	a := newTestHammering(t, time.Millisecond)
	ctx := context.Background()

	_ = a.Check(ctx, "ip", errWrong)
	_ = a.Check(ctx, "ip", errWrong)
	_ = a.Check(ctx, "ip", nil)

	entry, _, _ := a.Entry(ctx, "ip")
	if entry.Count != 2 {
		t.Fatalf("success inside window must not change count, got %d", entry.Count)
	}
}

func TestHammeringObserverAndCancel(t *testing.T) {
	var hits int
	a := newTestHammering(t, time.Minute, WithCooldownObserver(func(string, int) { hits++ }))

	for i := 0; i < 3; i++ {
		_ = a.Check(context.Background(), "ip", errWrong)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Check(ctx, "ip", errWrong); !errors.Is(err, errWrong) {
		t.Fatalf("cancelled cooldown must still forward outcome, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected one cooldown, got %d", hits)
	}
}

func TestHammeringNilAndConfig(t *testing.T) {
	var a *AntiHammering
	if err := a.Check(context.Background(), "ip", errWrong); !errors.Is(err, errWrong) {
		t.Fatalf("nil limiter must forward outcome, got %v", err)
	}
	if _, err := NewAntiHammering(nil, HammeringConfig{Threshold: 3}); !errors.Is(err, ErrHammeringConfig) {
		t.Fatalf("expected ErrHammeringConfig, got %v", err)
	}
}
