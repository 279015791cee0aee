package stm

import (
	"encoding/json"
	"sync"
)

// Op names a transport frame kind.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpClean  Op = "clean"
	OpChange Op = "change"
	OpReply  Op = "reply"
)

// Message is the frame exchanged between a worker and the coordinator.
//
// Requests carry a worker-chosen ID that the reply echoes. Change frames are unsolicited
// and carry no ID.
type Message struct {
	ID       uint64          `json:"id,omitempty"`
	Op       Op              `json:"op"`
	Region   string          `json:"region,omitempty"`
	Key      string          `json:"key,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Initial  json.RawMessage `json:"initial,omitempty"`
	Notify   bool            `json:"notify,omitempty"`
	Resolver string          `json:"resolver,omitempty"`
	Cleaner  *Cleaner        `json:"cleaner,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Changed  bool            `json:"changed,omitempty"`
	All      bool            `json:"all,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Conn carries messages between one worker and the coordinator.
//
// Send must be safe for concurrent use. Recv is called from a single goroutine.
type Conn interface {
	Send(msg *Message) error
	Recv() (*Message, error)
	Close() error
}

// NewPipe returns the two ends of an in-process connection. The first end belongs to
// the worker and the second to the coordinator.
func NewPipe() (Conn, Conn) {
	a := make(chan *Message, 64)
	b := make(chan *Message, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: a, out: b, done: done, once: once},
		&pipeConn{in: b, out: a, done: done, once: once}
}

type pipeConn struct {
	in   <-chan *Message
	out  chan<- *Message
	done chan struct{}
	once *sync.Once
}

func (p *pipeConn) Send(msg *Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Recv() (*Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
