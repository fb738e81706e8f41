package http1

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/Zereker/echo"
)

// maxChunkLineLength bounds a chunk-size line or trailer line.
const maxChunkLineLength = 4096

var crlf = []byte("\r\n")

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// chunkedBody decodes a chunked request body as it arrives. Chunk data is
// copied out as soon as it is seen, so the caller only has to keep the
// bytes of an unfinished size or trailer line.
type chunkedBody struct {
	max   int
	state chunkState
	left  int // data bytes still due in the current chunk
	body  []byte
}

// decode consumes as much of buf as it can. It reports the bytes consumed
// and whether the last chunk and trailer section have been read.
func (d *chunkedBody) decode(buf []byte) (int, bool, error) {
	off := 0
	for {
		switch d.state {
		case chunkSize:
			i := bytes.Index(buf[off:], crlf)
			if i < 0 {
				if len(buf)-off > maxChunkLineLength {
					return off, false, echo.NewProtocolError("chunk size line too long")
				}
				return off, false, nil
			}

			line := buf[off : off+i]
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi] // chunk extensions are ignored
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				return off, false, echo.NewProtocolError("empty chunk size")
			}
			size, err := strconv.ParseUint(string(line), 16, 62)
			if err != nil {
				return off, false, echo.WrapProtocolError(err, "invalid chunk size")
			}
			if uint64(len(d.body))+size > uint64(d.max) {
				return off, false, echo.WrapProtocolError(echo.ErrMessageTooLarge,
					fmt.Sprintf("chunked body exceeds %d bytes", d.max))
			}
			off += i + len(crlf)

			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.state, d.left = chunkData, int(size)
			}

		case chunkData:
			n := min(d.left, len(buf)-off)
			d.body = append(d.body, buf[off:off+n]...)
			d.left -= n
			off += n
			if d.left > 0 {
				return off, false, nil
			}
			d.state = chunkDataEnd

		case chunkDataEnd:
			rest := buf[off:]
			if len(rest) < len(crlf) {
				if !bytes.HasPrefix(crlf, rest) {
					return off, false, echo.NewProtocolError("missing CRLF after chunk data")
				}
				return off, false, nil
			}
			if !bytes.HasPrefix(rest, crlf) {
				return off, false, echo.NewProtocolError("missing CRLF after chunk data")
			}
			off += len(crlf)
			d.state = chunkSize

		case chunkTrailer:
			// Trailer fields are skipped; an empty line ends the body.
			j := bytes.Index(buf[off:], crlf)
			if j < 0 {
				if len(buf)-off > maxChunkLineLength {
					return off, false, echo.NewProtocolError("trailer line too long")
				}
				return off, false, nil
			}
			off += j + len(crlf)
			if j == 0 {
				return off, true, nil
			}
		}
	}
}
