package stm

import "sync"

// changeQueue delivers changes to handlers on its own goroutine so that a handler may
// issue further region calls without blocking the connection reader.
type changeQueue struct {
	mu      sync.Mutex
	pending []Change
	wake    chan struct{}
	done    chan struct{}
	deliver func(Change)
}

func newChangeQueue(deliver func(Change)) *changeQueue {
	q := &changeQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go q.run()
	return q
}

func (q *changeQueue) push(ch Change) {
	q.mu.Lock()
	q.pending = append(q.pending, ch)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *changeQueue) run() {
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()

			for _, ch := range batch {
				q.deliver(ch)
			}
		}
	}
}

func (q *changeQueue) close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
