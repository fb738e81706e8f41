package echo

// Message is the interface for decoded units exchanged over a connection.
// Implementations provide the payload length and body plus whatever
// protocol metadata is needed to encode a reply.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message payload.
	Body() []byte
}

// Codec is the interface for recovering message boundaries from a byte
// stream and encoding replies.
//
// Decode is handed the connection's whole accumulation buffer, i.e. every
// byte received but not yet attributed to a decoded unit. It returns:
//
//   - (msg, n, nil): a unit is complete and n bytes were consumed;
//   - (nil, n, nil) with n > 0: n bytes were absorbed into codec state
//     (for example a non-final frame) without completing a unit;
//   - (nil, 0, nil): the buffer holds an incomplete unit, more input is needed;
//   - (nil, 0, err): the input cannot be decoded.
//
// A codec never assumes one transport read equals one unit and never
// retains buf after Decode returns.
type Codec interface {
	Decode(buf []byte) (Message, int, error)
	// Encode produces the wire bytes of a reply carrying msg's body.
	Encode(msg Message) ([]byte, error)
	// Pending reports whether the codec holds a partially decoded unit.
	Pending() bool
}

// CodecFactory creates the codec for one connection. Codec state is never
// shared between connections.
type CodecFactory func() Codec

// ErrorEncoder is implemented by codecs that can tell the peer why the
// connection is being closed after a decode error.
type ErrorEncoder interface {
	EncodeError(err error) []byte
}

// Control is implemented by units the codec answers on its own, such as
// handshakes, pings and close requests. They bypass the policy but are
// queued in order with ordinary replies.
type Control interface {
	Message
	// Response returns the wire bytes to send back, or nil for none.
	Response() []byte
	// Terminal reports whether the connection closes once Response is flushed.
	Terminal() bool
}

// Terminator is implemented by messages after whose reply the connection
// must be closed gracefully.
type Terminator interface {
	Terminal() bool
}
