package echo

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// ConnHandler is a Handler that runs a Conn for every accepted connection.
// It assigns connection IDs and tracks live connections so they can be
// closed together on shutdown. Connections share nothing else.
type ConnHandler struct {
	opts   []Option
	logger Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	conns   map[uint64]*Conn
	closing bool
	wg      sync.WaitGroup
}

// NewConnHandler validates opts and returns a handler applying them to
// every connection.
func NewConnHandler(opts ...Option) (*ConnHandler, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkOptions(&o); err != nil {
		return nil, err
	}

	return &ConnHandler{
		opts:   opts,
		logger: o.logger,
		conns:  make(map[uint64]*Conn),
	}, nil
}

// Handle runs the connection until it ends. Errors are logged by the
// connection and passed to the OnCloseOption callback.
func (h *ConnHandler) Handle(ctx context.Context, conn *net.TCPConn) {
	id := h.nextID.Add(1)

	c, err := NewConn(id, conn, h.opts...)
	if err != nil {
		h.logger.Error("failed to create connection", "id", id, "error", err)
		conn.Close()
		return
	}

	if !h.add(c) {
		conn.Close()
		return
	}
	defer h.remove(id)

	// Connections outlive the accept loop; Shutdown decides when they end.
	_ = c.Run(context.WithoutCancel(ctx))
}

func (h *ConnHandler) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.wg.Add(1)
	h.conns[c.ID()] = c
	return true
}

func (h *ConnHandler) remove(id uint64) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.wg.Done()
}

// Len returns the number of live connections.
func (h *ConnHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown stops taking new connections and waits for live ones to end.
// When ctx expires first, the remaining connections are closed.
func (h *ConnHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.mu.Unlock()

	<-done
	return ctx.Err()
}
