package echo

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// outbound is one encoded unit waiting to be written.
// A terminal entry ends the write loop once everything before it, and its
// own data, has been flushed.
type outbound struct {
	data     []byte
	terminal bool
}

// outbox is the ordered, bounded queue between a connection's read loop and
// its write loop. Entries are written in the order they were pushed.
type outbox struct {
	mu    sync.Mutex
	q     *queue.Queue
	limit int

	ready chan struct{} // signaled after push
	space chan struct{} // signaled after drain
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	return &outbox{
		q:     queue.New(),
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// push appends an entry, blocking while the outbox is full.
func (o *outbox) push(ctx context.Context, e outbound) error {
	for {
		o.mu.Lock()
		if o.q.Length() < o.limit || e.terminal {
			o.q.Add(e)
			o.mu.Unlock()
			notify(o.ready)
			return nil
		}
		o.mu.Unlock()

		select {
		case <-o.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain removes and returns every queued entry in order.
func (o *outbox) drain() []outbound {
	o.mu.Lock()
	n := o.q.Length()
	out := make([]outbound, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, o.q.Remove().(outbound))
	}
	o.mu.Unlock()

	notify(o.space)
	return out
}

// len returns the number of queued entries.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Length()
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
