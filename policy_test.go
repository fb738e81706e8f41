package echo

import (
	"bytes"
	"testing"
)

func TestEcho_Identity(t *testing.T) {
	for _, size := range []int{0, 1, 128, 1024, 65537} {
		in := &lineMessage{body: bytes.Repeat([]byte{'q'}, size)}

		out, err := Echo(in)
		if err != nil {
			t.Fatalf("Echo(%d bytes) failed: %v", size, err)
		}
		if out != Message(in) {
			t.Errorf("Echo(%d bytes) returned a different message", size)
		}
		if out.Length() != size || !bytes.Equal(out.Body(), in.body) {
			t.Errorf("Echo(%d bytes) changed the payload", size)
		}
	}
}
