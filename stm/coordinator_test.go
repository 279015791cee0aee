package stm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fleet struct {
	coord   *Coordinator
	clients []*Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newFleet(t *testing.T, workers int) *fleet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fleet{coord: NewCoordinator(nil), cancel: cancel}
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("w%d", i)
		workerEnd, coordEnd := NewPipe()
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			_ = f.coord.Serve(ctx, id, coordEnd)
		}()
		f.clients = append(f.clients, NewClient(id, workerEnd))
	}
	t.Cleanup(f.close)
	return f
}

func (f *fleet) close() {
	for _, c := range f.clients {
		_ = c.Close()
	}
	f.cancel()
	f.wg.Wait()
	_ = f.coord.Close()
}

func waitWorkers(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Workers()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d workers, have %d", n, len(c.Workers()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteRegionRoundTrip(t *testing.T) {
	f := newFleet(t, 1)
	ctx := context.Background()
	r := f.clients[0].Region("shield")

	item, err := r.Get(ctx, "missing", nil)
	if err != nil || item != nil {
		t.Fatalf("expected absent key, got %+v err=%v", item, err)
	}

	item, err = r.Get(ctx, "k", json.RawMessage(`{"n":1}`))
	if err != nil || item == nil || item.Version != 0 {
		t.Fatalf("unexpected materialized item: %+v err=%v", item, err)
	}

	stored, err := r.Set(ctx, "k", Item{Value: json.RawMessage(`{"n":2}`), Version: 0}, SetOptions{})
	if err != nil || stored.Version != 1 {
		t.Fatalf("set failed: %+v err=%v", stored, err)
	}

	_, err = r.Set(ctx, "k", Item{Value: json.RawMessage(`{"n":3}`), Version: 0}, SetOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Current.Version != 1 || string(conflict.Current.Value) != `{"n":2}` {
		t.Fatalf("conflict must carry current item, got %+v", conflict.Current)
	}

	direct, _ := f.coord.Region("shield").Get(ctx, "k", nil)
	if direct == nil || direct.Version != 1 {
		t.Fatalf("direct region disagrees with remote write: %+v", direct)
	}
}

func TestChangeBroadcastSkipsWriter(t *testing.T) {
	f := newFleet(t, 3)
	waitWorkers(t, f.coord, 3)
	ctx := context.Background()

	got := make([]chan Change, len(f.clients))
	for i, c := range f.clients {
		ch := make(chan Change, 4)
		got[i] = ch
		if err := c.Region("r").Notify(ctx, func(change Change) { ch <- change }); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}
	local := make(chan Change, 4)
	_ = f.coord.Region("r").Notify(ctx, func(change Change) { local <- change })

	if _, err := f.clients[0].Region("r").Set(ctx, "k", Item{Value: json.RawMessage(`1`)}, SetOptions{Notify: true}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	for i := 1; i < len(got); i++ {
		select {
		case change := <-got[i]:
			if change.Key != "k" || change.Item == nil || string(change.Item.Value) != "1" {
				t.Fatalf("worker %d got unexpected change %+v", i, change)
			}
		case <-time.After(time.Second):
			t.Fatalf("worker %d did not receive change", i)
		}
	}
	select {
	case <-local:
	case <-time.After(time.Second):
		t.Fatal("coordinator-local handler did not receive change")
	}
	select {
	case change := <-got[0]:
		t.Fatalf("writer received its own change: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCleanBroadcastsGenericChange(t *testing.T) {
	f := newFleet(t, 2)
	waitWorkers(t, f.coord, 2)
	ctx := context.Background()

	ch := make(chan Change, 1)
	_ = f.clients[1].Region("r").Notify(ctx, func(change Change) { ch <- change })

	_, _ = f.clients[0].Region("r").Set(ctx, "k", Item{Value: json.RawMessage(`1`)}, SetOptions{})
	changed, err := f.clients[0].Region("r").Clean(ctx, nil)
	if err != nil || !changed {
		t.Fatalf("clean failed: changed=%v err=%v", changed, err)
	}

	select {
	case change := <-ch:
		if !change.All || change.Item != nil {
			t.Fatalf("expected generic change, got %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change after clean")
	}
}

func TestUnknownResolverAndCleaner(t *testing.T) {
	f := newFleet(t, 1)
	ctx := context.Background()
	r := f.clients[0].Region("r")

	_, _ = r.Set(ctx, "k", Item{Value: json.RawMessage(`1`)}, SetOptions{})
	_, err := r.Set(ctx, "k", Item{Value: json.RawMessage(`2`), Version: 7}, SetOptions{Resolver: "nope"})
	if !errors.Is(err, ErrUnknownResolver) {
		t.Fatalf("expected ErrUnknownResolver, got %v", err)
	}
	_, err = r.Clean(ctx, &Cleaner{Name: "nope"})
	if !errors.Is(err, ErrUnknownCleaner) {
		t.Fatalf("expected ErrUnknownCleaner, got %v", err)
	}
}

func TestRegisteredResolverOverWire(t *testing.T) {
	RegisterResolver("test.keep-max", func(current json.RawMessage) json.RawMessage {
		return current
	})
	f := newFleet(t, 1)
	ctx := context.Background()
	r := f.clients[0].Region("r")

	_, _ = r.Set(ctx, "k", Item{Value: json.RawMessage(`5`)}, SetOptions{})
	stored, err := r.Set(ctx, "k", Item{Value: json.RawMessage(`1`), Version: 3}, SetOptions{Resolver: "test.keep-max"})
	if err != nil {
		t.Fatalf("resolver write failed: %v", err)
	}
	if stored.Version != 1 || string(stored.Value) != "5" {
		t.Fatalf("unexpected resolved item %+v", stored)
	}
}

func TestWorkerExitedRunsHooks(t *testing.T) {
	f := newFleet(t, 2)
	waitWorkers(t, f.coord, 2)

	var (
		mu   sync.Mutex
		seen []string
	)
	f.coord.OnWorkerExit(func(_ context.Context, id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})

	f.coord.WorkerExited(context.Background(), "w1")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "w1" {
		t.Fatalf("unexpected hook calls: %v", seen)
	}
	select {
	case <-f.clients[1].Done():
	case <-time.After(time.Second):
		t.Fatal("exited worker connection still open")
	}
}
