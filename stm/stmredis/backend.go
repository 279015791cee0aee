// Package stmredis implements stm regions on Redis, for fleets whose workers do not share
// a host with one coordinator process.
//
// Each entry is a hash holding its version and JSON value. Compare-and-swap runs as a
// Lua script. Change notifications travel over one Pub/Sub channel and are filtered by
// the publishing process id, so a writer never hears its own changes.
package stmredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/MrEthical07/goShield/stm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrRedisUnavailable wraps failures talking to Redis.
	ErrRedisUnavailable = errors.New("stm redis backend unavailable")
)

const defaultPrefix = "goshield:stm"

var getScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v then
  if ARGV[1] ~= '1' then
    return false
  end
  redis.call('HSET', KEYS[1], 'v', 0, 'd', ARGV[2])
  redis.call('SADD', KEYS[2], ARGV[3])
  return {'0', ARGV[2]}
end
return {v, redis.call('HGET', KEYS[1], 'd')}
`)

var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v then
  redis.call('HSET', KEYS[1], 'v', 0, 'd', ARGV[2])
  redis.call('SADD', KEYS[2], ARGV[3])
  return {1, '0', ARGV[2]}
end
if v == ARGV[1] then
  local nv = tostring(tonumber(v) + 1)
  redis.call('HSET', KEYS[1], 'v', nv, 'd', ARGV[2])
  return {1, nv, ARGV[2]}
end
return {0, v, redis.call('HGET', KEYS[1], 'd')}
`)

// Backend hands out Redis-backed regions.
type Backend struct {
	client redis.UniversalClient
	prefix string
	origin string
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[string]func(stm.Change)
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for notification failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend. origin identifies this process in change notifications and
// must be unique across the fleet.
func New(client redis.UniversalClient, origin string, opts ...Option) *Backend {
	b := &Backend{
		client:    client,
		prefix:    defaultPrefix,
		origin:    origin,
		logger:    zerolog.Nop(),
		listeners: make(map[string]func(stm.Change)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Region returns the region called name.
func (b *Backend) Region(name string) stm.Region {
	return &region{b: b, name: name}
}

// Close stops the notification subscription.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}

func (b *Backend) itemKey(region, key string) string {
	return b.prefix + ":{" + region + "}:item:" + key
}

func (b *Backend) indexKey(region string) string {
	return b.prefix + ":{" + region + "}:keys"
}

func (b *Backend) channel() string {
	return b.prefix + ":changes"
}

type envelope struct {
	Origin string     `json:"origin"`
	Change stm.Change `json:"change"`
}

func (b *Backend) publish(ctx context.Context, ch stm.Change) {
	data, err := json.Marshal(envelope{Origin: b.origin, Change: ch})
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, b.channel(), data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("region", ch.Region).Msg("stm change publish failed")
	}
}

func (b *Backend) listen(ctx context.Context, region string, fn func(stm.Change)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fn == nil {
		delete(b.listeners, region)
		return nil
	}
	b.listeners[region] = fn
	if b.pubsub != nil {
		return nil
	}

	ps := b.client.Subscribe(ctx, b.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe: %v", ErrRedisUnavailable, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = ps
	b.cancel = cancel
	go b.dispatch(runCtx, ps.Channel())
	return nil
}

func (b *Backend) dispatch(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("stm change decode failed")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.mu.Lock()
			fn := b.listeners[env.Change.Region]
			b.mu.Unlock()
			if fn != nil {
				fn(env.Change)
			}
		}
	}
}

type region struct {
	b    *Backend
	name string
}

func (r *region) Name() string { return r.name }

func (r *region) Get(ctx context.Context, key string, initial json.RawMessage) (*stm.Item, error) {
	flag := "0"
	if initial != nil {
		flag = "1"
	}
	res, err := getScript.Run(ctx, r.b.client,
		[]string{r.b.itemKey(r.name, key), r.b.indexKey(r.name)},
		flag, string(initial), key,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrRedisUnavailable, r.name, key, err)
	}
	item, err := decodeItem(res[0], res[1])
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *region) cas(ctx context.Context, key string, item stm.Item) (stm.Item, bool, error) {
	res, err := casScript.Run(ctx, r.b.client,
		[]string{r.b.itemKey(r.name, key), r.b.indexKey(r.name)},
		strconv.FormatUint(item.Version, 10), string(item.Value), key,
	).Slice()
	if err != nil {
		return stm.Item{}, false, fmt.Errorf("%w: set %s/%s: %v", ErrRedisUnavailable, r.name, key, err)
	}
	accepted, _ := res[0].(int64)
	stored, err := decodeItem(res[1], res[2])
	if err != nil {
		return stm.Item{}, false, err
	}
	return stored, accepted == 1, nil
}

func (r *region) Set(ctx context.Context, key string, item stm.Item, opts stm.SetOptions) (stm.Item, error) {
	var resolve stm.ResolveFunc
	if opts.Resolver != "" {
		fn, ok := stm.LookupResolver(opts.Resolver)
		if !ok {
			return stm.Item{}, fmt.Errorf("%w: %s", stm.ErrUnknownResolver, opts.Resolver)
		}
		resolve = fn
	}

	candidate := item
	for {
		stored, accepted, err := r.cas(ctx, key, candidate)
		if err != nil {
			return stm.Item{}, err
		}
		if accepted {
			if opts.Notify {
				r.b.publish(ctx, stm.Change{Region: r.name, Key: key, Item: &stored})
			}
			return stored, nil
		}
		if resolve == nil {
			return stm.Item{}, &stm.ConflictError{Region: r.name, Key: key, Current: stored}
		}
		candidate = stm.Item{Value: resolve(stored.Value), Version: stored.Version}
	}
}

func (r *region) Clean(ctx context.Context, cleaner *stm.Cleaner) (bool, error) {
	keys, err := r.b.client.SMembers(ctx, r.b.indexKey(r.name)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: clean %s: %v", ErrRedisUnavailable, r.name, err)
	}

	if cleaner == nil {
		redisKeys := make([]string, 0, len(keys)+1)
		for _, k := range keys {
			redisKeys = append(redisKeys, r.b.itemKey(r.name, k))
		}
		redisKeys = append(redisKeys, r.b.indexKey(r.name))
		if err := r.b.client.Del(ctx, redisKeys...).Err(); err != nil {
			return false, fmt.Errorf("%w: clean %s: %v", ErrRedisUnavailable, r.name, err)
		}
		r.b.publish(ctx, stm.Change{Region: r.name, All: true})
		return true, nil
	}

	fn, ok := stm.LookupCleaner(cleaner)
	if !ok {
		return false, stm.ErrUnknownCleaner
	}

	changed := false
	for _, k := range keys {
		dirty, err := r.cleanKey(ctx, k, fn)
		if err != nil {
			return changed, err
		}
		changed = changed || dirty
	}
	if changed {
		r.b.publish(ctx, stm.Change{Region: r.name, All: true})
	}
	return changed, nil
}

func (r *region) cleanKey(ctx context.Context, key string, fn stm.CleanFunc) (bool, error) {
	for {
		item, err := r.Get(ctx, key, nil)
		if err != nil || item == nil {
			return false, err
		}
		next, dirty := fn(key, item.Value)
		if !dirty {
			return false, nil
		}
		_, accepted, err := r.cas(ctx, key, stm.Item{Value: next, Version: item.Version})
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
}

func (r *region) Notify(ctx context.Context, fn func(stm.Change)) error {
	return r.b.listen(ctx, r.name, fn)
}

func decodeItem(version, data any) (stm.Item, error) {
	vs, _ := version.(string)
	v, err := strconv.ParseUint(vs, 10, 64)
	if err != nil {
		return stm.Item{}, fmt.Errorf("stm redis: bad version %v", version)
	}
	ds, _ := data.(string)
	return stm.Item{Value: json.RawMessage(ds), Version: v}, nil
}
