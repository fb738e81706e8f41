package http1

import (
	"net/http"
)

// Request is a decoded HTTP/1.x request.
// The body is owned by the request and never modified after decoding.
type Request struct {
	Method string
	Target string
	Proto  string
	Header http.Header

	protoMinor int
	body       []byte
	close      bool
}

// Length returns the length of the request body.
func (r *Request) Length() int {
	return len(r.body)
}

// Body returns the request body exactly as sent, with chunked framing removed.
func (r *Request) Body() []byte {
	return r.body
}

// Terminal reports whether the client asked for the connection to be closed
// after the reply, either explicitly or by speaking HTTP/1.0 without keep-alive.
func (r *Request) Terminal() bool {
	return r.close
}

// interim is a provisional 1xx response the codec sends on its own.
type interim struct {
	resp []byte
}

func (m *interim) Length() int      { return 0 }
func (m *interim) Body() []byte     { return nil }
func (m *interim) Response() []byte { return m.resp }
func (m *interim) Terminal() bool   { return false }
