package stm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds every request a Client sends to the coordinator.
const DefaultRequestTimeout = 5 * time.Second

// Client is the worker side of the coordinator transport.
//
// Every request is correlated with its reply by id and is bounded by the request
// timeout; a request that outlives it fails with ErrCoordinatorUnreachable.
type Client struct {
	id      string
	conn    Conn
	timeout time.Duration
	logger  zerolog.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan *Message
	listeners map[string]func(Change)
	err       error

	changes *changeQueue
	done    chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout overrides DefaultRequestTimeout. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets the logger used for transport failures.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient starts reading conn on behalf of worker id.
func NewClient(id string, conn Conn, opts ...ClientOption) *Client {
	c := &Client{
		id:        id,
		conn:      conn,
		timeout:   DefaultRequestTimeout,
		logger:    zerolog.Nop(),
		pending:   make(map[uint64]chan *Message),
		listeners: make(map[string]func(Change)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.changes = newChangeQueue(c.deliver)
	go c.readLoop()
	return c
}

// ID returns the worker id this client speaks for.
func (c *Client) ID() string { return c.id }

// Region returns a region handle that proxies through the coordinator.
func (c *Client) Region(name string) Region {
	return &remoteRegion{c: c, name: name}
}

// Done is closed once the connection has failed or the client was closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection and fails every pending request.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrClosed)
	return err
}

func (c *Client) readLoop() {
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		switch msg.Op {
		case OpReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case OpChange:
			c.changes.push(Change{Region: msg.Region, Key: msg.Key, Item: msg.Item, All: msg.All})
		default:
			c.logger.Warn().Str("op", string(msg.Op)).Msg("stm unexpected frame from coordinator")
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]chan *Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.changes.close()
	close(c.done)
	c.logger.Debug().Err(err).Str("worker", c.id).Msg("stm client stopped")
}

func (c *Client) deliver(ch Change) {
	c.mu.Lock()
	fn := c.listeners[ch.Region]
	c.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

func (c *Client) request(ctx context.Context, msg *Message) (*Message, error) {
	msg.ID = c.seq.Add(1)
	wait := make(chan *Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCoordinatorUnreachable, err)
	}
	c.pending[msg.ID] = wait
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}

	if err := c.conn.Send(msg); err != nil {
		forget()
		return nil, fmt.Errorf("%w: %v", ErrCoordinatorUnreachable, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-wait:
		if !ok {
			return nil, ErrCoordinatorUnreachable
		}
		if err := remoteError(reply); err != nil {
			return nil, err
		}
		return reply, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%w: no reply to %s %s/%s within %s", ErrCoordinatorUnreachable, msg.Op, msg.Region, msg.Key, c.timeout)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

type remoteRegion struct {
	c    *Client
	name string
}

func (r *remoteRegion) Name() string { return r.name }

func (r *remoteRegion) Get(ctx context.Context, key string, initial json.RawMessage) (*Item, error) {
	reply, err := r.c.request(ctx, &Message{Op: OpRead, Region: r.name, Key: key, Initial: initial})
	if err != nil {
		return nil, err
	}
	return reply.Item, nil
}

func (r *remoteRegion) Set(ctx context.Context, key string, item Item, opts SetOptions) (Item, error) {
	candidate := item.clone()
	reply, err := r.c.request(ctx, &Message{
		Op:       OpWrite,
		Region:   r.name,
		Key:      key,
		Item:     &candidate,
		Notify:   opts.Notify,
		Resolver: opts.Resolver,
	})
	if err != nil {
		return Item{}, err
	}
	var stored Item
	if reply.Item != nil {
		stored = *reply.Item
	}
	if !reply.Accepted {
		return Item{}, &ConflictError{Region: r.name, Key: key, Current: stored}
	}
	return stored, nil
}

func (r *remoteRegion) Clean(ctx context.Context, cleaner *Cleaner) (bool, error) {
	reply, err := r.c.request(ctx, &Message{Op: OpClean, Region: r.name, Cleaner: cleaner})
	if err != nil {
		return false, err
	}
	return reply.Changed, nil
}

func (r *remoteRegion) Notify(_ context.Context, fn func(Change)) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if fn == nil {
		delete(r.c.listeners, r.name)
		return nil
	}
	r.c.listeners[r.name] = fn
	return nil
}
