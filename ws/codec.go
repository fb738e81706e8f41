// Package ws implements the server side of the WebSocket (RFC 6455) codec.
//
// The first unit on a connection is the HTTP upgrade handshake. After it,
// frames are decoded from the accumulation buffer; fragments of a message
// are collected inside the codec and only a complete message is reported.
// Ping, pong and close frames are answered by the codec itself.
package ws

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Zereker/echo"
)

// Default limits.
const (
	DefaultMaxHandshakeBytes = 8 * 1024
	DefaultMaxFrameBytes     = 1024 * 1024
	DefaultMaxMessageBytes   = 1024 * 1024
)

// Close status codes sent by the codec.
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	CloseNoStatus      = 1005
	CloseTooBig        = 1009
)

var headerEnd = []byte("\r\n\r\n")

// Config holds the codec limits.
type Config struct {
	MaxHandshakeBytes int
	MaxFrameBytes     int
	MaxMessageBytes   int
	// FragmentSize splits outbound messages into frames of at most this
	// many payload bytes. Zero sends every message as one frame.
	FragmentSize int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxHandshakeBytes: DefaultMaxHandshakeBytes,
		MaxFrameBytes:     DefaultMaxFrameBytes,
		MaxMessageBytes:   DefaultMaxMessageBytes,
	}
}

// Message is a complete text or binary message.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Length returns the payload length.
func (m *Message) Length() int {
	return len(m.Payload)
}

// Body returns the payload.
func (m *Message) Body() []byte {
	return m.Payload
}

// IsText reports whether the message was sent as text.
func (m *Message) IsText() bool {
	return m.Opcode == OpText
}

// control is a unit the codec answers on its own.
type control struct {
	op       Opcode
	payload  []byte
	resp     []byte
	terminal bool
}

func (c *control) Length() int      { return len(c.payload) }
func (c *control) Body() []byte     { return c.payload }
func (c *control) Response() []byte { return c.resp }
func (c *control) Terminal() bool   { return c.terminal }

// Codec is the server side WebSocket codec for one connection.
type Codec struct {
	cfg Config

	upgraded bool

	// Message being reassembled from fragments.
	inMessage bool
	op        Opcode
	buf       []byte
}

// NewCodec returns a codec using cfg; zero limits take their defaults.
func NewCodec(cfg Config) *Codec {
	if cfg.MaxHandshakeBytes <= 0 {
		cfg.MaxHandshakeBytes = DefaultMaxHandshakeBytes
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &Codec{cfg: cfg}
}

// Factory returns a CodecFactory producing codecs with cfg.
func Factory(cfg Config) echo.CodecFactory {
	return func() echo.Codec {
		return NewCodec(cfg)
	}
}

// Decode implements echo.Codec.
func (c *Codec) Decode(buf []byte) (echo.Message, int, error) {
	if !c.upgraded {
		return c.decodeHandshake(buf)
	}

	f, n, err := ParseFrame(buf, c.cfg.MaxFrameBytes)
	if err != nil || f == nil {
		return nil, 0, err
	}
	if !f.Masked {
		return nil, 0, echo.NewProtocolError("unmasked client frame")
	}

	switch {
	case f.Opcode.IsControl():
		if f.Opcode == OpClose {
			if err := checkClosePayload(f.Payload); err != nil {
				return nil, 0, err
			}
		}
		return c.control(f), n, nil
	case f.Opcode == OpContinuation:
		if !c.inMessage {
			return nil, 0, echo.NewProtocolError("continuation frame without a message in progress")
		}
	default:
		if c.inMessage {
			return nil, 0, echo.NewProtocolError("data frame before previous message finished")
		}
		c.inMessage = true
		c.op = f.Opcode
	}

	if len(c.buf)+len(f.Payload) > c.cfg.MaxMessageBytes {
		return nil, 0, echo.WrapProtocolError(echo.ErrMessageTooLarge,
			fmt.Sprintf("message exceeds %d bytes", c.cfg.MaxMessageBytes))
	}

	if !f.Fin {
		c.buf = append(c.buf, f.Payload...)
		return nil, n, nil
	}

	payload := f.Payload
	if c.buf != nil {
		payload = append(c.buf, f.Payload...)
	}
	msg := &Message{Opcode: c.op, Payload: payload}

	c.inMessage = false
	c.op = OpContinuation
	c.buf = nil
	return msg, n, nil
}

func (c *Codec) decodeHandshake(buf []byte) (echo.Message, int, error) {
	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		if len(buf) > c.cfg.MaxHandshakeBytes {
			return nil, 0, echo.WrapProtocolError(echo.ErrMessageTooLarge,
				fmt.Sprintf("handshake exceeds %d bytes", c.cfg.MaxHandshakeBytes))
		}
		return nil, 0, nil
	}

	n := end + len(headerEnd)
	resp, err := upgradeResponse(buf[:n])
	if err != nil {
		return nil, 0, err
	}
	c.upgraded = true
	return &control{resp: resp}, n, nil
}

// control answers a ping with a pong carrying the same payload, ignores a
// pong, and answers a close with a close echoing the status code.
func (c *Codec) control(f *Frame) echo.Message {
	ctl := &control{op: f.Opcode, payload: f.Payload}
	switch f.Opcode {
	case OpPing:
		ctl.resp = AppendFrame(nil, &Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
	case OpClose:
		var reply []byte
		if len(f.Payload) >= 2 {
			reply = f.Payload[:2]
		}
		ctl.resp = AppendFrame(nil, &Frame{Fin: true, Opcode: OpClose, Payload: reply})
		ctl.terminal = true
	}
	return ctl
}

// checkClosePayload rejects a close body that is one byte long or whose
// status code may not be sent by an endpoint (RFC 6455 7.4).
func checkClosePayload(p []byte) error {
	switch len(p) {
	case 0:
		return nil
	case 1:
		return echo.NewProtocolError("close frame with a one byte payload")
	}
	if code := binary.BigEndian.Uint16(p); !validCloseCode(code) {
		return echo.NewProtocolError(fmt.Sprintf("invalid close status code %d", code))
	}
	return nil
}

// validCloseCode reports whether a peer may send code in a close frame.
// 1004, 1005, 1006 and 1015 are reserved; 3000-4999 are for libraries and
// applications.
func validCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003, code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// Pending reports whether fragments of an unfinished message are held.
func (c *Codec) Pending() bool {
	return c.inMessage
}

// Encode implements echo.Codec. Text messages keep their opcode; anything
// else is sent as binary. The reply is one final frame unless FragmentSize
// asks for smaller frames.
func (c *Codec) Encode(msg echo.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("ws: nil message")
	}

	op := OpBinary
	if m, ok := msg.(*Message); ok && m.Opcode == OpText {
		op = OpText
	}
	payload := msg.Body()

	size := c.cfg.FragmentSize
	if size <= 0 || len(payload) <= size {
		out := make([]byte, 0, maxHeaderLength+len(payload))
		return AppendFrame(out, &Frame{Fin: true, Opcode: op, Payload: payload}), nil
	}

	frames := (len(payload) + size - 1) / size
	out := make([]byte, 0, frames*maxHeaderLength+len(payload))
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		out = AppendFrame(out, &Frame{Fin: end == len(payload), Opcode: op, Payload: payload[off:end]})
		op = OpContinuation
	}
	return out, nil
}

// EncodeError implements echo.ErrorEncoder. Before the handshake completes
// the peer gets an HTTP 400; afterwards a close frame with status 1009 for
// oversized input and 1002 otherwise.
func (c *Codec) EncodeError(err error) []byte {
	if !c.upgraded {
		status := http.StatusBadRequest
		return []byte("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) +
			"\r\nContent-Length: 0\r\nConnection: close\r\nSec-WebSocket-Version: 13\r\n\r\n")
	}

	code := uint16(CloseProtocolError)
	if errors.Is(err, echo.ErrMessageTooLarge) {
		code = CloseTooBig
	}
	return AppendFrame(nil, &Frame{Fin: true, Opcode: OpClose, Payload: closePayload(code, err.Error())})
}

// closePayload builds a close frame body: status code then a reason
// truncated to fit a control frame.
func closePayload(code uint16, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	p := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(p, reason...)
}
