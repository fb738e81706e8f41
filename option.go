package echo

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	newCodec CodecFactory
	policy   Policy
	logger   Logger
	metrics  *Metrics

	// onClose is called once when a connection terminates, with the error
	// that ended it or nil on a clean close.
	onClose func(id uint64, err error)

	bufferSize     int           // number of encoded replies queued before reads stall
	readBufferSize int           // size of a single transport read
	maxReadLength  int           // maximum bytes held in the accumulation buffer
	heartbeat      time.Duration // heartbeat interval for read/write deadlines
}

// Option is a function that configures connection options.
type Option func(*options)

// CodecOption returns an Option that sets the codec factory.
// The factory is required; it is called once per connection.
func CodecOption(factory CodecFactory) Option {
	return func(o *options) {
		o.newCodec = factory
	}
}

// PolicyOption returns an Option that sets the request handling policy.
// Defaults to Echo.
func PolicyOption(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// BufferSizeOption returns an Option that sets how many encoded replies may
// wait for the writer before the reader stops decoding.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets the size of a single
// transport read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum accumulation buffer size.
// A connection holding more undecoded bytes than this is closed.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnCloseOption returns an Option that sets the close callback.
// It receives the connection ID and the error that ended the connection.
func OnCloseOption(cb func(id uint64, err error)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records connection activity in m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
