package http1

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/Zereker/echo"
)

// feed hands stream to c in pieces of step bytes, the way a connection's
// read loop would, and collects every decoded unit.
func feed(t *testing.T, c *Codec, stream []byte, step int) ([]echo.Message, []byte) {
	t.Helper()

	var (
		acc  []byte
		msgs []echo.Message
	)
	for len(stream) > 0 {
		n := step
		if n > len(stream) {
			n = len(stream)
		}
		acc = append(acc, stream[:n]...)
		stream = stream[n:]

		for {
			msg, used, err := c.Decode(acc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			acc = acc[used:]
			if msg != nil {
				msgs = append(msgs, msg)
				continue
			}
			if used == 0 {
				break
			}
		}
	}
	return msgs, acc
}

func decodeErr(c *Codec, stream string) error {
	buf := []byte(stream)
	for {
		msg, n, err := c.Decode(buf)
		if err != nil {
			return err
		}
		if msg == nil && n == 0 {
			return nil
		}
		buf = buf[n:]
	}
}

func post(body string, extra ...string) string {
	var b strings.Builder
	b.WriteString("POST /echo HTTP/1.1\r\nHost: localhost\r\n")
	for _, h := range extra {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return b.String()
}

func requests(t *testing.T, msgs []echo.Message) []*Request {
	t.Helper()
	var reqs []*Request
	for _, m := range msgs {
		if r, ok := m.(*Request); ok {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

func TestDecode_ContentLength(t *testing.T) {
	for _, size := range []int{0, 1, 128, 1024, 65537} {
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			body := strings.Repeat("a", size)
			msgs, rest := feed(t, NewCodec(DefaultConfig()), []byte(post(body)), 4096)

			reqs := requests(t, msgs)
			if len(reqs) != 1 {
				t.Fatalf("decoded %d requests, want 1", len(reqs))
			}
			if string(reqs[0].Body()) != body {
				t.Errorf("body = %q, want %q", reqs[0].Body(), body)
			}
			if reqs[0].Length() != size {
				t.Errorf("Length = %d, want %d", reqs[0].Length(), size)
			}
			if reqs[0].Method != "POST" || reqs[0].Target != "/echo" {
				t.Errorf("request line = %s %s", reqs[0].Method, reqs[0].Target)
			}
			if len(rest) != 0 {
				t.Errorf("%d bytes left over", len(rest))
			}
		})
	}
}

func TestDecode_ByteAtATime(t *testing.T) {
	body := strings.Repeat("x", 300)
	stream := []byte(post(body) + post("second"))

	c := NewCodec(DefaultConfig())
	msgs, rest := feed(t, c, stream, 1)

	reqs := requests(t, msgs)
	if len(reqs) != 2 {
		t.Fatalf("decoded %d requests, want 2", len(reqs))
	}
	if string(reqs[0].Body()) != body || string(reqs[1].Body()) != "second" {
		t.Error("bodies differ from what was sent")
	}
	if len(rest) != 0 || c.Pending() {
		t.Errorf("codec left %d bytes, pending=%v", len(rest), c.Pending())
	}
}

func TestDecode_Pipelined(t *testing.T) {
	var stream strings.Builder
	for i := 0; i < 10; i++ {
		stream.WriteString(post(fmt.Sprintf("request-%d", i)))
	}

	msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte(stream.String()), 4096)
	reqs := requests(t, msgs)
	if len(reqs) != 10 {
		t.Fatalf("decoded %d requests, want 10", len(reqs))
	}
	for i, r := range reqs {
		if want := fmt.Sprintf("request-%d", i); string(r.Body()) != want {
			t.Errorf("request %d body = %q, want %q", i, r.Body(), want)
		}
	}
}

func TestDecode_LeadingEmptyLines(t *testing.T) {
	msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte("\r\n\r\n"+post("hi")), 4096)
	if reqs := requests(t, msgs); len(reqs) != 1 || string(reqs[0].Body()) != "hi" {
		t.Errorf("unexpected requests: %v", reqs)
	}
}

func TestDecode_GetWithoutBody(t *testing.T) {
	msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"), 4096)
	reqs := requests(t, msgs)
	if len(reqs) != 1 {
		t.Fatalf("decoded %d requests, want 1", len(reqs))
	}
	if reqs[0].Length() != 0 {
		t.Errorf("Length = %d, want 0", reqs[0].Length())
	}
}

func TestDecode_Chunked(t *testing.T) {
	stream := "POST / HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"1;name=value\r\n,\r\n" +
		"6\r\n world\r\n" +
		"0\r\nX-Trailer: 1\r\n\r\n"

	for _, step := range []int{1, 7, 4096} {
		c := NewCodec(DefaultConfig())
		msgs, rest := feed(t, c, []byte(stream+post("next")), step)

		reqs := requests(t, msgs)
		if len(reqs) != 2 {
			t.Fatalf("step %d: decoded %d requests, want 2", step, len(reqs))
		}
		if got := string(reqs[0].Body()); got != "hello, world" {
			t.Errorf("step %d: body = %q", step, got)
		}
		if string(reqs[1].Body()) != "next" {
			t.Errorf("step %d: second body = %q", step, reqs[1].Body())
		}
		if len(rest) != 0 {
			t.Errorf("step %d: %d bytes left over", step, len(rest))
		}
	}
}

func TestDecode_ChunkedTooLarge(t *testing.T) {
	c := NewCodec(Config{MaxBodyBytes: 8})
	err := decodeErr(c, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n10\r\n")
	if !errors.Is(err, echo.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDecode_ChunkedMalformed(t *testing.T) {
	hdr := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"
	for name, body := range map[string]string{
		"bad size":     "zz\r\n",
		"empty size":   "\r\n",
		"missing crlf": "3\r\nabcX\r\n",
	} {
		err := decodeErr(NewCodec(DefaultConfig()), hdr+body)
		if !echo.IsProtocolError(err) {
			t.Errorf("%s: expected protocol error, got %v", name, err)
		}
	}
}

func TestDecode_ChunkedOneByteChunks(t *testing.T) {
	const size = 8192
	var stream bytes.Buffer
	stream.WriteString("POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
	for i := 0; i < size; i++ {
		fmt.Fprintf(&stream, "1\r\n%c\r\n", 'a'+i%26)
	}
	stream.WriteString("0\r\n\r\n")

	// The framing is almost five times the body, and the body is within the
	// limit; only the unfinished chunk may stay behind between reads.
	c := NewCodec(Config{MaxBodyBytes: 16384})
	raw := stream.Bytes()
	var (
		acc    []byte
		req    *Request
		maxAcc int
	)
	for len(raw) > 0 && req == nil {
		step := min(4096, len(raw))
		acc = append(acc, raw[:step]...)
		raw = raw[step:]

		for {
			msg, n, err := c.Decode(acc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			acc = acc[n:]
			if r, ok := msg.(*Request); ok {
				req = r
				break
			}
			if n == 0 {
				break
			}
			if !c.Pending() {
				t.Fatal("codec not pending with a partial body")
			}
		}
		maxAcc = max(maxAcc, len(acc))
	}

	if req == nil {
		t.Fatal("request not decoded")
	}
	if req.Length() != size {
		t.Errorf("Length = %d, want %d", req.Length(), size)
	}
	for i, b := range req.Body() {
		if b != byte('a'+i%26) {
			t.Fatalf("body byte %d = %q", i, b)
		}
	}
	if maxAcc > 16 {
		t.Errorf("%d undecoded bytes held between reads", maxAcc)
	}
}

func TestDecode_ChunkedExpectContinue(t *testing.T) {
	c := NewCodec(DefaultConfig())
	hdr := "POST / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nTransfer-Encoding: chunked\r\n\r\n"

	msg, n, err := c.Decode([]byte(hdr))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(echo.Control); !ok {
		t.Fatalf("expected interim response, got %T", msg)
	}
	if n != len(hdr) {
		t.Errorf("consumed %d bytes, want the %d header bytes", n, len(hdr))
	}

	msgs, _ := feed(t, c, []byte("2\r\nok\r\n0\r\n\r\n"), 4096)
	reqs := requests(t, msgs)
	if len(reqs) != 1 || string(reqs[0].Body()) != "ok" {
		t.Errorf("unexpected requests after 100 Continue: %d", len(reqs))
	}
	if len(msgs) != 1 {
		t.Errorf("100 Continue sent again")
	}
}

func TestDecode_UnsupportedTransferEncoding(t *testing.T) {
	err := decodeErr(NewCodec(DefaultConfig()),
		"POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: gzip, chunked\r\n\r\n")
	if !echo.IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestDecode_ExpectContinue(t *testing.T) {
	c := NewCodec(DefaultConfig())
	hdr := []byte("POST / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")

	msg, n, err := c.Decode(hdr)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ctl, ok := msg.(echo.Control)
	if !ok {
		t.Fatalf("expected interim response, got %T", msg)
	}
	if n != 0 {
		t.Errorf("interim response consumed %d bytes", n)
	}
	if !bytes.HasPrefix(ctl.Response(), []byte("HTTP/1.1 100 Continue\r\n")) {
		t.Errorf("interim response = %q", ctl.Response())
	}
	if ctl.Terminal() {
		t.Error("interim response must not end the connection")
	}

	// Sent only once per request.
	if msg, _, _ := c.Decode(hdr); msg != nil {
		t.Errorf("second interim response: %T", msg)
	}
	if !c.Pending() {
		t.Error("codec not pending while body is outstanding")
	}

	msg, n, err = c.Decode(append(hdr, "body"...))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	req, ok := msg.(*Request)
	if !ok || string(req.Body()) != "body" {
		t.Fatalf("unexpected message %T", msg)
	}
	if n != len(hdr)+4 {
		t.Errorf("consumed %d bytes, want %d", n, len(hdr)+4)
	}
}

func TestDecode_MalformedHeader(t *testing.T) {
	for _, stream := range []string{
		"NOT A REQUEST\r\n\r\n",
		"POST / HTTP/1.1\r\nHost: x\r\nContent-Length: abc\r\n\r\n",
		"POST / HTTP/1.1\r\nHost: x\r\nContent-Length: -5\r\n\r\n",
	} {
		err := decodeErr(NewCodec(DefaultConfig()), stream)
		if !echo.IsProtocolError(err) {
			t.Errorf("%q: expected protocol error, got %v", stream, err)
		}
	}
}

func TestDecode_ContentLengthTooLarge(t *testing.T) {
	c := NewCodec(Config{MaxBodyBytes: 16})
	err := decodeErr(c, post(strings.Repeat("a", 17)))
	if !errors.Is(err, echo.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDecode_HeaderTooLarge(t *testing.T) {
	c := NewCodec(Config{MaxHeaderBytes: 64})

	// Unterminated header past the limit.
	err := decodeErr(c, "GET / HTTP/1.1\r\nX-Long: "+strings.Repeat("a", 100))
	if !errors.Is(err, echo.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	// Complete header past the limit.
	c = NewCodec(Config{MaxHeaderBytes: 64})
	err = decodeErr(c, "GET / HTTP/1.1\r\nX-Long: "+strings.Repeat("a", 100)+"\r\n\r\n")
	if !errors.Is(err, echo.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDecode_Incomplete(t *testing.T) {
	c := NewCodec(DefaultConfig())
	msg, n, err := c.Decode([]byte("POST / HTTP/1.1\r\nHost"))
	if msg != nil || n != 0 || err != nil {
		t.Errorf("Decode = (%v, %d, %v), want incomplete", msg, n, err)
	}
	if c.Pending() {
		t.Error("codec pending before the header is complete")
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   bool
	}{
		{"http/1.1", post("a"), false},
		{"connection close", post("a", "Connection: close"), true},
		{"http/1.0", "POST / HTTP/1.0\r\nContent-Length: 1\r\n\r\na", true},
		{"http/1.0 keep-alive", "POST / HTTP/1.0\r\nConnection: keep-alive\r\nContent-Length: 1\r\n\r\na", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte(tt.stream), 4096)
			reqs := requests(t, msgs)
			if len(reqs) != 1 {
				t.Fatalf("decoded %d requests, want 1", len(reqs))
			}
			if reqs[0].Terminal() != tt.want {
				t.Errorf("Terminal = %v, want %v", reqs[0].Terminal(), tt.want)
			}
		})
	}
}

func readResponse(t *testing.T, raw []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return resp, body
}

func TestEncode(t *testing.T) {
	for _, size := range []int{0, 128, 1024, 65537} {
		body := strings.Repeat("a", size)
		msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte(post(body, "Content-Type: text/plain")), 4096)

		c := NewCodec(DefaultConfig())
		raw, err := c.Encode(msgs[0])
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		resp, got := readResponse(t, raw)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if resp.Header.Get("Content-Length") != fmt.Sprintf("%d", size) {
			t.Errorf("Content-Length = %q, want %d", resp.Header.Get("Content-Length"), size)
		}
		if resp.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type = %q, want text/plain", resp.Header.Get("Content-Type"))
		}
		if string(got) != body {
			t.Errorf("body differs for size %d", size)
		}
	}
}

func TestEncode_DefaultContentType(t *testing.T) {
	msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte(post("x")), 4096)
	raw, err := NewCodec(DefaultConfig()).Encode(msgs[0])
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	resp, _ := readResponse(t, raw)
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestEncode_ConnectionHeader(t *testing.T) {
	tests := []struct {
		stream string
		want   string
	}{
		{post("a"), ""},
		{post("a", "Connection: close"), "close"},
		{"POST / HTTP/1.0\r\nConnection: keep-alive\r\nContent-Length: 1\r\n\r\na", "keep-alive"},
	}

	for _, tt := range tests {
		msgs, _ := feed(t, NewCodec(DefaultConfig()), []byte(tt.stream), 4096)
		raw, err := NewCodec(DefaultConfig()).Encode(msgs[0])
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if got := headerValue(raw, "Connection"); got != tt.want {
			t.Errorf("Connection = %q, want %q", got, tt.want)
		}
	}
}

// headerValue reads a header straight from the wire bytes; ReadResponse
// folds Connection into resp.Close.
func headerValue(raw []byte, key string) string {
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ": "); ok && strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func TestEncode_NilMessage(t *testing.T) {
	if _, err := NewCodec(DefaultConfig()).Encode(nil); err == nil {
		t.Error("expected error for nil message")
	}
}

func TestEncodeError(t *testing.T) {
	c := NewCodec(DefaultConfig())

	tests := []struct {
		err  error
		want int
	}{
		{echo.NewProtocolError("bad"), http.StatusBadRequest},
		{echo.WrapProtocolError(echo.ErrMessageTooLarge, "too big"), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		resp, body := readResponse(t, c.EncodeError(tt.err))
		if resp.StatusCode != tt.want {
			t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
		}
		if !resp.Close {
			t.Error("error response does not close the connection")
		}
		if len(body) != 0 {
			t.Errorf("unexpected body %q", body)
		}
	}
}

func TestFactory_FreshCodecs(t *testing.T) {
	f := Factory(DefaultConfig())
	if f() == f() {
		t.Error("factory returned a shared codec")
	}
}

func TestNewCodec_Defaults(t *testing.T) {
	c := NewCodec(Config{})
	if c.cfg.MaxHeaderBytes != DefaultMaxHeaderBytes || c.cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("config = %+v, want defaults", c.cfg)
	}
}
