package stm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ExitHook reconciles shared state after a worker terminates.
type ExitHook func(ctx context.Context, workerID string)

// Coordinator owns the Store and serves worker connections.
//
// Regions obtained from Coordinator.Region operate on the Store in-process. Changes made
// by any party are broadcast to every other party: connected workers and the local
// handlers installed through direct regions.
type Coordinator struct {
	store  *Store
	logger zerolog.Logger

	mu      sync.RWMutex
	peers   map[string]*peer
	local   map[string]func(Change)
	hooks   []ExitHook
	changes *changeQueue
}

type peer struct {
	id   string
	conn Conn
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger used for transport failures.
func WithCoordinatorLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over store. A nil store gets a fresh one.
func NewCoordinator(store *Store, opts ...CoordinatorOption) *Coordinator {
	if store == nil {
		store = NewStore()
	}
	c := &Coordinator{
		store:  store,
		logger: zerolog.Nop(),
		peers:  make(map[string]*peer),
		local:  make(map[string]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.changes = newChangeQueue(c.deliverLocal)
	return c
}

// Region returns a direct, in-process region handle.
func (c *Coordinator) Region(name string) Region {
	return &directRegion{c: c, name: name}
}

// Regions lists the regions currently held by the store.
func (c *Coordinator) Regions() []string {
	return c.store.Regions()
}

// Workers returns the ids of the connected workers.
func (c *Coordinator) Workers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// OnWorkerExit registers a hook run by WorkerExited.
func (c *Coordinator) OnWorkerExit(hook ExitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// WorkerExited drops the worker connection and runs the exit hooks with its id. The
// process supervisor calls it whenever a worker terminates.
func (c *Coordinator) WorkerExited(ctx context.Context, workerID string) {
	c.mu.Lock()
	p, ok := c.peers[workerID]
	delete(c.peers, workerID)
	hooks := append([]ExitHook(nil), c.hooks...)
	c.mu.Unlock()

	if ok {
		_ = p.conn.Close()
	}
	for _, hook := range hooks {
		hook(ctx, workerID)
	}
}

// Serve handles requests from one worker until the connection fails or ctx ends. It
// does not run exit hooks; the supervisor owns that decision.
func (c *Coordinator) Serve(ctx context.Context, workerID string, conn Conn) error {
	p := &peer{id: workerID, conn: conn}

	c.mu.Lock()
	if old, ok := c.peers[workerID]; ok && old.conn != conn {
		_ = old.conn.Close()
	}
	c.peers[workerID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if cur, ok := c.peers[workerID]; ok && cur == p {
			delete(c.peers, workerID)
		}
		c.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		reply := c.handle(workerID, msg)
		if reply == nil {
			continue
		}
		if err := conn.Send(reply); err != nil {
			c.logger.Warn().Err(err).Str("worker", workerID).Msg("stm reply failed")
			return err
		}
	}
}

// Close stops local change delivery.
func (c *Coordinator) Close() error {
	c.changes.close()
	return nil
}

func (c *Coordinator) handle(origin string, msg *Message) *Message {
	reply := &Message{ID: msg.ID, Op: OpReply, Region: msg.Region, Key: msg.Key}

	switch msg.Op {
	case OpRead:
		item, _ := c.store.Get(msg.Region, msg.Key, msg.Initial)
		reply.Item = item
	case OpWrite:
		var candidate Item
		if msg.Item != nil {
			candidate = *msg.Item
		}
		item, accepted, err := c.write(origin, msg.Region, msg.Key, candidate, SetOptions{Notify: msg.Notify, Resolver: msg.Resolver})
		if err != nil {
			reply.Error = errCodeUnknownResolver
			reply.Resolver = msg.Resolver
			return reply
		}
		reply.Item = &item
		reply.Accepted = accepted
	case OpClean:
		changed, err := c.clean(origin, msg.Region, msg.Cleaner)
		if err != nil {
			reply.Error = errCodeUnknownCleaner
			return reply
		}
		reply.Changed = changed
	default:
		c.logger.Warn().Str("worker", origin).Str("op", string(msg.Op)).Msg("stm unexpected frame")
		return nil
	}
	return reply
}

func (c *Coordinator) write(origin, region, key string, candidate Item, opts SetOptions) (Item, bool, error) {
	var resolve ResolveFunc
	if opts.Resolver != "" {
		fn, ok := LookupResolver(opts.Resolver)
		if !ok {
			return Item{}, false, ErrUnknownResolver
		}
		resolve = fn
	}

	item, accepted := c.store.Set(region, key, candidate, resolve)
	if accepted && opts.Notify {
		stored := item.clone()
		c.broadcast(origin, Change{Region: region, Key: key, Item: &stored})
	}
	return item, accepted, nil
}

func (c *Coordinator) clean(origin, region string, cleaner *Cleaner) (bool, error) {
	var fn CleanFunc
	if cleaner != nil {
		f, ok := LookupCleaner(cleaner)
		if !ok {
			return false, ErrUnknownCleaner
		}
		fn = f
	}

	changed := c.store.Clean(region, fn)
	if changed {
		c.broadcast(origin, Change{Region: region, All: true})
	}
	return changed, nil
}

// broadcast sends ch to every party except origin. The empty origin is the coordinator
// process itself.
func (c *Coordinator) broadcast(origin string, ch Change) {
	c.mu.RLock()
	targets := make([]*peer, 0, len(c.peers))
	for id, p := range c.peers {
		if id != origin {
			targets = append(targets, p)
		}
	}
	_, hasLocal := c.local[ch.Region]
	c.mu.RUnlock()

	if origin != "" && hasLocal {
		c.changes.push(ch)
	}

	for _, p := range targets {
		msg := &Message{Op: OpChange, Region: ch.Region, Key: ch.Key, All: ch.All}
		if ch.Item != nil {
			item := ch.Item.clone()
			msg.Item = &item
		}
		if err := p.conn.Send(msg); err != nil {
			c.logger.Warn().Err(err).Str("worker", p.id).Str("region", ch.Region).Msg("stm change dispatch failed")
		}
	}
}

func (c *Coordinator) deliverLocal(ch Change) {
	c.mu.RLock()
	fn := c.local[ch.Region]
	c.mu.RUnlock()
	if fn != nil {
		fn(ch)
	}
}

type directRegion struct {
	c    *Coordinator
	name string
}

func (r *directRegion) Name() string { return r.name }

func (r *directRegion) Get(_ context.Context, key string, initial json.RawMessage) (*Item, error) {
	item, _ := r.c.store.Get(r.name, key, initial)
	return item, nil
}

func (r *directRegion) Set(_ context.Context, key string, item Item, opts SetOptions) (Item, error) {
	stored, accepted, err := r.c.write("", r.name, key, item, opts)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s", err, opts.Resolver)
	}
	if !accepted {
		return Item{}, &ConflictError{Region: r.name, Key: key, Current: stored}
	}
	return stored, nil
}

func (r *directRegion) Clean(_ context.Context, cleaner *Cleaner) (bool, error) {
	return r.c.clean("", r.name, cleaner)
}

func (r *directRegion) Notify(_ context.Context, fn func(Change)) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if fn == nil {
		delete(r.c.local, r.name)
		return nil
	}
	r.c.local[r.name] = fn
	return nil
}
