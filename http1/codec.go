// Package http1 implements the HTTP/1.x request/response codec.
//
// Requests are recovered from the connection's accumulation buffer: the
// header section, terminated by an empty line, is parsed as soon as it is
// complete, and the request is reported once the body declared by
// Content-Length or chunked transfer coding has fully arrived. Replies carry
// the body unmodified with a Content-Length matching its exact size.
package http1

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Zereker/echo"
)

// Default limits.
const (
	DefaultMaxHeaderBytes = 8 * 1024
	DefaultMaxBodyBytes   = 1024 * 1024
)

const defaultContentType = "application/octet-stream"

var headerEnd = []byte("\r\n\r\n")

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Config holds the codec limits.
type Config struct {
	// MaxHeaderBytes bounds the request line and header fields.
	MaxHeaderBytes int
	// MaxBodyBytes bounds the declared or accumulated body size.
	MaxBodyBytes int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// Codec decodes HTTP/1.x requests and encodes 200 OK replies.
// A Codec belongs to one connection.
type Codec struct {
	cfg Config

	// Parsed header of the request whose body is still arriving.
	req       *Request
	headerLen int
	bodyLen   int
	chunked   bool
	expect    bool // client waits for 100 Continue
	continued bool // 100 Continue already sent

	chunks chunkedBody
}

// NewCodec returns a codec using cfg; zero limits take their defaults.
func NewCodec(cfg Config) *Codec {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
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
	if c.req == nil {
		// Empty lines before a request line are ignored (RFC 9112 2.2).
		if bytes.HasPrefix(buf, crlf) {
			return nil, len(crlf), nil
		}

		end := bytes.Index(buf, headerEnd)
		if end < 0 {
			if len(buf) > c.cfg.MaxHeaderBytes {
				return nil, 0, echo.WrapProtocolError(echo.ErrMessageTooLarge,
					fmt.Sprintf("header exceeds %d bytes", c.cfg.MaxHeaderBytes))
			}
			return nil, 0, nil
		}
		if end+len(headerEnd) > c.cfg.MaxHeaderBytes {
			return nil, 0, echo.WrapProtocolError(echo.ErrMessageTooLarge,
				fmt.Sprintf("header exceeds %d bytes", c.cfg.MaxHeaderBytes))
		}
		if err := c.parseHeader(buf[:end+len(headerEnd)]); err != nil {
			return nil, 0, err
		}
	}

	if c.chunked {
		return c.decodeChunked(buf)
	}

	body := buf[c.headerLen:]
	if len(body) < c.bodyLen {
		return c.incomplete()
	}
	n := c.bodyLen
	c.req.body = append(make([]byte, 0, n), body[:n]...)

	req, total := c.req, c.headerLen+n
	c.reset()
	return req, total, nil
}

// decodeChunked consumes the header and every chunk buf holds, keeping the
// data in the codec until the last chunk arrives. Only an unfinished chunk
// line stays in the connection's buffer.
func (c *Codec) decodeChunked(buf []byte) (echo.Message, int, error) {
	n, done, err := c.chunks.decode(buf[c.headerLen:])
	if err != nil {
		return nil, 0, err
	}
	n += c.headerLen
	c.headerLen = 0

	if done {
		req := c.req
		req.body = c.chunks.body
		if req.body == nil {
			req.body = []byte{}
		}
		c.reset()
		return req, n, nil
	}
	if c.expect && !c.continued {
		c.continued = true
		return &interim{resp: continueResponse}, n, nil
	}
	return nil, n, nil
}

// incomplete reports that more body bytes are needed, sending the interim
// 100 Continue once if the client asked for it.
func (c *Codec) incomplete() (echo.Message, int, error) {
	if c.expect && !c.continued {
		c.continued = true
		return &interim{resp: continueResponse}, 0, nil
	}
	return nil, 0, nil
}

func (c *Codec) reset() {
	c.req = nil
	c.headerLen = 0
	c.bodyLen = 0
	c.chunked = false
	c.expect = false
	c.continued = false
	c.chunks = chunkedBody{}
}

// parseHeader parses a complete header section, including its terminating
// empty line, and records how the body is delimited.
func (c *Codec) parseHeader(hdr []byte) error {
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(hdr)))
	if err != nil {
		return echo.WrapProtocolError(err, "malformed request header")
	}

	req := &Request{
		Method:     hr.Method,
		Target:     hr.RequestURI,
		Proto:      hr.Proto,
		Header:     hr.Header,
		protoMinor: hr.ProtoMinor,
		close:      hr.Close,
	}

	switch {
	case len(hr.TransferEncoding) > 0:
		if len(hr.TransferEncoding) != 1 || !strings.EqualFold(hr.TransferEncoding[0], "chunked") {
			return echo.NewProtocolError("unsupported transfer encoding " + strings.Join(hr.TransferEncoding, ", "))
		}
		c.chunked = true
		c.chunks = chunkedBody{max: c.cfg.MaxBodyBytes}
	case hr.ContentLength > int64(c.cfg.MaxBodyBytes):
		return echo.WrapProtocolError(echo.ErrMessageTooLarge,
			fmt.Sprintf("content length %d exceeds %d", hr.ContentLength, c.cfg.MaxBodyBytes))
	case hr.ContentLength > 0:
		c.bodyLen = int(hr.ContentLength)
	}

	c.req = req
	c.headerLen = len(hdr)
	c.expect = strings.EqualFold(hr.Header.Get("Expect"), "100-continue")
	return nil
}

// Pending reports whether a request header has been parsed but its body
// has not fully arrived.
func (c *Codec) Pending() bool {
	return c.req != nil
}

// Encode implements echo.Codec. The reply is a 200 OK whose body is msg's
// body, byte for byte.
func (c *Codec) Encode(msg echo.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("http1: nil message")
	}
	body := msg.Body()

	contentType := defaultContentType
	var closing, keepAlive10 bool
	if req, ok := msg.(*Request); ok {
		if ct := req.Header.Get("Content-Type"); ct != "" {
			contentType = ct
		}
		closing = req.Terminal()
		keepAlive10 = !closing && req.protoMinor == 0
	}

	var b bytes.Buffer
	b.Grow(len(body) + 128)
	writeStatusLine(&b, http.StatusOK)
	b.WriteString("Content-Type: ")
	b.WriteString(contentType)
	b.WriteString("\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n")
	switch {
	case closing:
		b.WriteString("Connection: close\r\n")
	case keepAlive10:
		b.WriteString("Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes(), nil
}

// EncodeError implements echo.ErrorEncoder with an empty 400 or 413 reply
// that closes the connection.
func (c *Codec) EncodeError(err error) []byte {
	status := http.StatusBadRequest
	if errors.Is(err, echo.ErrMessageTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	var b bytes.Buffer
	writeStatusLine(&b, status)
	b.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	return b.Bytes()
}

func writeStatusLine(b *bytes.Buffer, status int) {
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\n")
}
