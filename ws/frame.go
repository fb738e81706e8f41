package ws

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/Zereker/echo"
)

// Opcode identifies the kind of a frame.
type Opcode byte

// Opcodes defined by RFC 6455.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// ErrInvalidOpcode is wrapped by the error returned for a reserved opcode.
var ErrInvalidOpcode = errors.New("invalid opcode")

// IsControl reports whether o is a control opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%#x)", byte(o))
	}
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// Length tiers: up to 125 inline, 126 selects a 16-bit and 127 a
	// 64-bit extended length.
	maxInlineLength = 125
	len16           = 126
	len64           = 127

	maxControlPayload = 125
	maxHeaderLength   = 14
)

// Frame is one wire-level frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	// Payload is unmasked application data.
	Payload []byte
}

// ParseFrame decodes the frame at the start of raw, rejecting payloads
// larger than maxPayload before they arrive.
// It returns the frame and the number of bytes it occupies, or (nil, 0, nil)
// when raw does not yet hold the whole frame. The payload is an unmasked
// copy; raw is not modified.
func ParseFrame(raw []byte, maxPayload int) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	b0, b1 := raw[0], raw[1]
	if b0&rsvBits != 0 {
		return nil, 0, echo.NewProtocolError("reserved bits set")
	}

	f := &Frame{
		Fin:    b0&finBit != 0,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&maskBit != 0,
	}
	if !f.Opcode.valid() {
		return nil, 0, echo.WrapProtocolError(ErrInvalidOpcode, f.Opcode.String())
	}

	length := uint64(b1 & 0x7F)
	offset := 2
	switch length {
	case len16:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case len64:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
		if length > math.MaxInt64 {
			return nil, 0, echo.NewProtocolError("payload length has the most significant bit set")
		}
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, 0, echo.NewProtocolError("fragmented control frame")
		}
		if length > maxControlPayload {
			return nil, 0, echo.NewProtocolError("control frame payload exceeds 125 bytes")
		}
	}
	if length > uint64(maxPayload) {
		return nil, 0, echo.WrapProtocolError(echo.ErrMessageTooLarge,
			fmt.Sprintf("frame payload %d exceeds %d", length, maxPayload))
	}

	if f.Masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(f.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	f.Payload = make([]byte, length)
	copy(f.Payload, raw[offset:total])
	if f.Masked {
		maskBytes(f.Payload, f.MaskKey)
	}
	return f, total, nil
}

// AppendFrame appends the wire encoding of f to dst using the smallest
// length tier that fits the payload. When f.Masked is set the payload is
// masked with f.MaskKey; f.Payload itself is left untouched.
func AppendFrame(dst []byte, f *Frame) []byte {
	var b0 byte
	if f.Fin {
		b0 = finBit
	}
	b0 |= byte(f.Opcode) & 0x0F

	var mask byte
	if f.Masked {
		mask = maskBit
	}

	n := len(f.Payload)
	switch {
	case n <= maxInlineLength:
		dst = append(dst, b0, byte(n)|mask)
	case n <= math.MaxUint16:
		dst = append(dst, b0, len16|mask)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, len64|mask)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}

	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		maskBytes(dst[start:], f.MaskKey)
	}
	return dst
}

// maskBytes XORs buf in place with key; masking and unmasking are the same.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
