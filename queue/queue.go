// Package queue serializes work per key across every worker of the fleet.
//
// A queue keeps one stm entry per key holding the ordered ids of the callers waiting
// for it. The caller whose id heads the list runs; everyone else sleeps until a change
// notification shows its own id at the head. Ids are prefixed with the worker id so the
// supervisor can purge the ids of a worker that died while queued.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goShield/stm"
	"github.com/rs/zerolog"
)

// DefaultRegion is the region used by the fleet-wide queue.
const DefaultRegion = "queue"

// Entry is the stored value of one queue key.
type Entry struct {
	Queue   []string `json:"queue"`
	IsQueue bool     `json:"isQueue"`
}

func (e Entry) head() string {
	if len(e.Queue) == 0 {
		return ""
	}
	return e.Queue[0]
}

var emptyEntry = Entry{Queue: []string{}, IsQueue: true}

// Queue runs callbacks one at a time per key across the fleet.
type Queue struct {
	region stm.Region
	worker string
	logger zerolog.Logger
	policy stm.RetryPolicy
	onWait func(key string, waited time.Duration)

	seq atomic.Uint64

	mu      sync.Mutex
	waiters map[string]*waiter

	subscribe sync.Once
	subErr    error
}

type waiter struct {
	key   string
	ready chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRetryPolicy bounds the stm retries used to append and release ids.
func WithRetryPolicy(p stm.RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithWaitObserver reports how long each caller waited for its turn.
func WithWaitObserver(fn func(key string, waited time.Duration)) Option {
	return func(q *Queue) { q.onWait = fn }
}

// New creates the queue stored in region name of b. workerID must be unique across the
// fleet and must not contain '|'.
func New(b stm.Backend, name, workerID string, opts ...Option) *Queue {
	q := &Queue{
		region:  b.Region(name),
		worker:  workerID,
		logger:  zerolog.Nop(),
		waiters: make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Run waits for the turn of this caller on key, runs fn, and releases the turn. fn's
// error is returned unchanged. If ctx ends while waiting, the caller leaves the queue
// and ctx.Err() is returned.
func (q *Queue) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := q.listen(ctx); err != nil {
		return err
	}

	id := q.worker + "|" + strconv.FormatUint(q.seq.Add(1)-1, 10)
	w := &waiter{key: key, ready: make(chan struct{})}

	q.mu.Lock()
	q.waiters[id] = w
	q.mu.Unlock()

	start := time.Now()
	entry, err := stm.Update(ctx, q.region, key, emptyEntry, func(e *Entry) error {
		e.Queue = append(e.Queue, id)
		e.IsQueue = true
		return nil
	}, stm.WithRetryPolicy(q.policy))
	if err != nil {
		q.forget(id)
		return err
	}
	if entry.head() == id {
		q.advance(entry)
	}

	select {
	case <-w.ready:
	case <-ctx.Done():
		q.forget(id)
		q.leave(context.WithoutCancel(ctx), key, id)
		return ctx.Err()
	}

	if q.onWait != nil {
		q.onWait(key, time.Since(start))
	}

	runErr := fn(ctx)
	if err := q.release(context.WithoutCancel(ctx), key, id); err != nil {
		q.logger.Error().Err(err).Str("queue", q.region.Name()).Str("key", key).Str("id", id).Msg("queue release failed")
		if runErr == nil {
			return err
		}
	}
	return runErr
}

// Do is Run for callbacks that produce a value.
func Do[T any](ctx context.Context, q *Queue, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Run(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (q *Queue) listen(ctx context.Context) error {
	q.subscribe.Do(func() {
		q.subErr = q.region.Notify(ctx, q.onChange)
	})
	return q.subErr
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.waiters, id)
	q.mu.Unlock()
}

func (q *Queue) release(ctx context.Context, key, id string) error {
	entry, err := stm.Update(ctx, q.region, key, emptyEntry, func(e *Entry) error {
		if e.head() == id {
			e.Queue = e.Queue[1:]
		}
		return nil
	}, stm.WithNotify(), stm.WithRetryPolicy(q.policy))
	if err != nil {
		return err
	}
	// The writer is excluded from its own broadcast, so wake local waiters here.
	q.advance(entry)
	return nil
}

func (q *Queue) leave(ctx context.Context, key, id string) {
	entry, err := stm.Update(ctx, q.region, key, emptyEntry, func(e *Entry) error {
		out := e.Queue[:0]
		for _, qid := range e.Queue {
			if qid != id {
				out = append(out, qid)
			}
		}
		e.Queue = out
		return nil
	}, stm.WithNotify(), stm.WithRetryPolicy(q.policy))
	if err != nil {
		q.logger.Error().Err(err).Str("queue", q.region.Name()).Str("key", key).Str("id", id).Msg("queue leave failed")
		return
	}
	q.advance(entry)
}

func (q *Queue) onChange(ch stm.Change) {
	if ch.All || ch.Item == nil {
		go q.refreshAll()
		return
	}
	var entry Entry
	if err := json.Unmarshal(ch.Item.Value, &entry); err != nil || !entry.IsQueue {
		return
	}
	q.advance(entry)
}

// refreshAll re-reads every key with a local waiter after a change that named no key.
func (q *Queue) refreshAll() {
	q.mu.Lock()
	keys := make(map[string]struct{}, len(q.waiters))
	for _, w := range q.waiters {
		keys[w.key] = struct{}{}
	}
	q.mu.Unlock()

	ctx := context.Background()
	for key := range keys {
		entry, ok, err := stm.Load[Entry](ctx, q.region, key)
		if err != nil {
			q.logger.Warn().Err(err).Str("queue", q.region.Name()).Str("key", key).Msg("queue refresh failed")
			continue
		}
		if ok {
			q.advance(entry)
		}
	}
}

// advance wakes the local waiter whose id heads entry, if any.
func (q *Queue) advance(entry Entry) {
	id := entry.head()
	if id == "" {
		return
	}
	q.mu.Lock()
	w, ok := q.waiters[id]
	if ok {
		delete(q.waiters, id)
	}
	q.mu.Unlock()
	if ok {
		close(w.ready)
	}
}

// ErrWorkerIDRequired is returned by PurgeWorker for an empty worker id.
var ErrWorkerIDRequired = errors.New("queue: worker id required")

const purgeCleaner = "queue.purge-worker"

func init() {
	stm.RegisterCleaner(purgeCleaner, func(workerID string) stm.CleanFunc {
		prefix := workerID + "|"
		return func(_ string, value json.RawMessage) (json.RawMessage, bool) {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil || !entry.IsQueue {
				return value, false
			}
			kept := make([]string, 0, len(entry.Queue))
			for _, id := range entry.Queue {
				if !strings.HasPrefix(id, prefix) {
					kept = append(kept, id)
				}
			}
			if len(kept) == len(entry.Queue) {
				return value, false
			}
			entry.Queue = kept
			out, err := json.Marshal(entry)
			if err != nil {
				return value, false
			}
			return out, true
		}
	})
}

// PurgeWorker removes the ids of workerID from every queue entry in regions and wakes
// whoever heads the queues afterwards.
func PurgeWorker(ctx context.Context, b stm.Backend, regions []string, workerID string) (bool, error) {
	if workerID == "" {
		return false, ErrWorkerIDRequired
	}
	changed := false
	var errs []error
	for _, name := range regions {
		ok, err := b.Region(name).Clean(ctx, &stm.Cleaner{Name: purgeCleaner, Arg: workerID})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed = changed || ok
	}
	return changed, errors.Join(errs...)
}

// RegionLister reports the regions a backend currently holds.
type RegionLister interface {
	stm.Backend
	Regions() []string
}

// ReconcileHook returns the exit hook that purges a terminated worker from every queue
// held by b.
func ReconcileHook(b RegionLister, logger zerolog.Logger) stm.ExitHook {
	return func(ctx context.Context, workerID string) {
		changed, err := PurgeWorker(ctx, b, b.Regions(), workerID)
		if err != nil {
			logger.Error().Err(err).Str("worker", workerID).Msg("queue purge failed")
			return
		}
		if changed {
			logger.Info().Str("worker", workerID).Msg("purged queued ids of exited worker")
		}
	}
}
