package ws

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/Zereker/echo"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes Sec-WebSocket-Accept for a client's Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// upgradeResponse validates a client opening handshake held in hdr and
// returns the 101 Switching Protocols response.
func upgradeResponse(hdr []byte) ([]byte, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(hdr)))
	if err != nil {
		return nil, echo.WrapProtocolError(err, "malformed handshake")
	}

	if req.Method != http.MethodGet {
		return nil, echo.NewProtocolError("handshake method " + req.Method)
	}
	if !headerContainsToken(req.Header, "Connection", "upgrade") ||
		!headerContainsToken(req.Header, "Upgrade", "websocket") {
		return nil, echo.NewProtocolError("missing upgrade headers")
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, echo.NewProtocolError("unsupported websocket version " + req.Header.Get("Sec-WebSocket-Version"))
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return nil, echo.NewProtocolError("invalid Sec-WebSocket-Key")
	}

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(AcceptKey(key))
	b.WriteString("\r\n\r\n")
	return b.Bytes(), nil
}

// headerContainsToken reports whether the comma separated header contains token.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
