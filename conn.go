// Package echo provides a TCP server that decodes requests with a pluggable
// codec and answers each one with a reply produced by a policy, by default
// an exact echo of the payload.
//
// Each connection runs a read loop and a write loop. The read loop owns the
// accumulation buffer and the codec; the write loop flushes encoded replies
// in the order their requests completed decoding.
package echo

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// errGracefulClose ends the write loop after a terminal entry was flushed.
var errGracefulClose = errors.New("graceful close")

// Default configuration values.
const (
	// defaultBufferSize is the default number of replies queued for the writer.
	defaultBufferSize = 16
	// defaultReadBufferSize is the default size of a single transport read.
	defaultReadBufferSize = 32 * 1024
	// defaultMaxPackageLength is the default cap on the accumulation buffer (4MB).
	defaultMaxPackageLength = 4 * 1024 * 1024
	// defaultHeartbeat is the default heartbeat; deadlines are twice this.
	defaultHeartbeat = 30 * time.Second
)

// State is the lifecycle state of a connection.
type State int32

const (
	// StateOpen means the connection is reading and writing.
	StateOpen State = iota
	// StateClosing means shutdown started; queued replies are still flushed.
	StateClosing
	// StateClosed means the transport has been released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn represents one accepted connection.
// It owns the underlying TCP connection, the accumulation buffer and the
// codec, and provides read/write loops for concurrent decoding and writing.
type Conn struct {
	id      uint64
	rawConn *net.TCPConn
	codec   Codec
	logger  Logger

	opts options

	// acc holds bytes received but not yet attributed to a decoded unit.
	// Only the read loop touches it.
	acc []byte
	out *outbox

	// decodeErr is set by the read loop before it queues the terminal entry.
	decodeErr error

	state  atomic.Int32
	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the codec factory is missing.
func NewConn(id uint64, conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return &Conn{
		id:      id,
		rawConn: conn,
		codec:   opts.newCodec(),
		logger:  opts.logger,
		opts:    opts,
		out:     newOutbox(opts.bufferSize),
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.newCodec == nil {
		return ErrInvalidCodec
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.policy == nil {
		opts.policy = Echo
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// Run starts the connection's read and write loops and blocks until the
// connection ends. The connection is always closed when Run returns.
//
// Run returns nil when the peer closed cleanly or asked for the connection
// to end, a *ProtocolError or ErrTruncatedMessage when the input could not be
// decoded, a *TransportError on I/O failure, or the context's error.
// Running a connection that was already closed returns ErrConnectionClosed.
func (c *Conn) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.logger.Info("connection established", "id", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "id", c.id,
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)
	c.opts.metrics.connOpened()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		c.setState(StateClosing)
		// Unblock whichever loop is still parked in the transport.
		_ = c.rawConn.SetDeadline(time.Now())
		return nil
	})

	err := group.Wait()
	c.closeConn()

	switch {
	case c.decodeErr != nil:
		err = c.decodeErr
	case errors.Is(err, errGracefulClose):
		err = nil
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "id", c.id, "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id, "addr", c.Addr())
	}

	c.opts.metrics.connClosed(err)
	if c.opts.onClose != nil {
		c.opts.onClose(c.id, err)
	}

	return err
}

// Close closes the connection without flushing queued replies.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.setState(StateClosing)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ID returns the connection's identifier.
func (c *Conn) ID() uint64 {
	return c.id
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// setState moves the state forward; it never goes back.
func (c *Conn) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// readLoop reads from the connection into the accumulation buffer and
// decodes every complete unit it holds.
// Returns nil once a terminal entry has been queued for the writer.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		n, err := c.rawConn.Read(buf)
		if n > 0 {
			c.opts.metrics.read(n)
			c.acc = append(c.acc, buf[:n]...)

			done, derr := c.decode(ctx)
			if derr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return c.fail(ctx, derr)
			}
			if done {
				return nil
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				if len(c.acc) > 0 || c.codec.Pending() {
					return c.fail(ctx, errors.Wrapf(ErrTruncatedMessage, "%d undecoded bytes at end of stream", len(c.acc)))
				}
				c.logger.Debug("peer closed stream", "id", c.id, "addr", c.Addr())
				c.setState(StateClosing)
				return c.out.push(ctx, outbound{terminal: true})
			}
			c.logger.Debug("read error", "id", c.id, "addr", c.Addr(), "error", err)
			return &TransportError{Op: "read", Err: err}
		}
	}
}

// decode drains every complete unit from the accumulation buffer, handing
// each to dispatch. The buffer is compacted up to the last consumed byte.
// Reports done when a terminal entry was queued.
func (c *Conn) decode(ctx context.Context) (done bool, err error) {
	off := 0
	defer func() {
		c.compact(off)
		if err == nil && !done && len(c.acc) > c.opts.maxReadLength {
			err = WrapProtocolError(ErrMessageTooLarge,
				fmt.Sprintf("%d undecoded bytes exceed limit of %d", len(c.acc), c.opts.maxReadLength))
		}
	}()

	for {
		msg, n, err := c.codec.Decode(c.acc[off:])
		if err != nil {
			return false, err
		}
		off += n

		if msg == nil {
			if n > 0 {
				continue
			}
			return false, nil
		}

		done, err := c.dispatch(ctx, msg)
		if err != nil || done {
			return done, err
		}
	}
}

// compact drops the first off bytes of the accumulation buffer.
func (c *Conn) compact(off int) {
	if off == 0 {
		return
	}
	n := copy(c.acc, c.acc[off:])
	c.acc = c.acc[:n]
	if n == 0 && cap(c.acc) > 4*c.opts.readBufferSize {
		c.acc = nil
	}
}

// dispatch answers one decoded unit. Control units queue the codec's own
// response; anything else goes through the policy and is encoded as a reply.
func (c *Conn) dispatch(ctx context.Context, msg Message) (bool, error) {
	if ctl, ok := msg.(Control); ok {
		terminal := ctl.Terminal()
		resp := ctl.Response()
		if len(resp) == 0 && !terminal {
			return false, nil
		}
		if terminal {
			c.setState(StateClosing)
		}
		return terminal, c.out.push(ctx, outbound{data: resp, terminal: terminal})
	}

	reply, err := c.opts.policy(msg)
	if err != nil {
		return false, errors.Wrap(err, "policy")
	}

	terminal := isTerminal(msg) || isTerminal(reply)

	var data []byte
	if reply != nil {
		data, err = c.codec.Encode(reply)
		if err != nil {
			return false, errors.Wrap(err, "encode reply")
		}
	}

	if terminal {
		c.setState(StateClosing)
	}
	if err := c.out.push(ctx, outbound{data: data, terminal: terminal}); err != nil {
		return false, err
	}
	c.opts.metrics.messageHandled()
	return terminal, nil
}

func isTerminal(m Message) bool {
	t, ok := m.(Terminator)
	return ok && t.Terminal()
}

// fail records a decode error, queues the codec's error reply if it has one,
// and ends the read loop. The writer flushes everything queued before it.
func (c *Conn) fail(ctx context.Context, err error) error {
	c.logger.Debug("decode error", "id", c.id, "addr", c.Addr(), "error", err)
	c.setState(StateClosing)
	c.decodeErr = err

	var reply []byte
	if enc, ok := c.codec.(ErrorEncoder); ok && !errors.Is(err, ErrTruncatedMessage) {
		reply = enc.EncodeError(err)
	}
	return c.out.push(ctx, outbound{data: reply, terminal: true})
}

// writeLoop flushes queued replies to the connection in order.
// Returns when the context is canceled, a write fails, or a terminal entry
// has been flushed.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.out.ready:
			if err := c.write(c.out.drain()); err != nil {
				return err
			}
		}
	}
}

// write sends a batch of entries with a single vectored write.
func (c *Conn) write(entries []outbound) error {
	bufs := make(net.Buffers, 0, len(entries))
	terminal := false
	for _, e := range entries {
		if len(e.data) > 0 {
			bufs = append(bufs, e.data)
		}
		if e.terminal {
			terminal = true
			break
		}
	}

	if len(bufs) > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
		n, err := bufs.WriteTo(c.rawConn)
		c.opts.metrics.written(n)
		if err != nil {
			c.logger.Debug("write error", "id", c.id, "addr", c.Addr(), "error", err)
			return &TransportError{Op: "write", Err: err}
		}
	}

	if terminal {
		_ = c.rawConn.CloseWrite()
		return errGracefulClose
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.setState(StateClosed)
	c.rawConn.Close()
}
