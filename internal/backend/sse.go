package backend

import (
	"bytes"
	"io"
)

const sseReadSize = 4096

var (
	doneMarker    = []byte("[DONE]")
	sseSeparators = [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")}
)

// sseDecoder splits a server-sent event stream into data payloads.
// It handles LF and CRLF framing and flushes a trailing event without a
// terminating blank line.
type sseDecoder struct {
	r      io.Reader
	buffer []byte
	eof    bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: r, buffer: make([]byte, 0, sseReadSize)}
}

// Next returns the next non-empty data payload, or io.EOF at the end of the
// stream. The [DONE] sentinel ends the stream.
func (d *sseDecoder) Next() ([]byte, error) {
	for {
		if event, rest, ok := nextSSEEvent(d.buffer, d.eof); ok {
			d.buffer = rest
			data := eventData(event)
			if len(data) == 0 {
				continue
			}
			if bytes.Equal(data, doneMarker) {
				return nil, io.EOF
			}
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		chunk := make([]byte, sseReadSize)
		n, err := d.r.Read(chunk)
		d.buffer = append(d.buffer, chunk[:n]...)
		if err == io.EOF {
			d.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	// The earliest separator wins; a stream may mix LF and CRLF framing.
	idx, size := -1, 0
	for _, sep := range sseSeparators {
		if i := bytes.Index(buf, sep); i >= 0 && (idx < 0 || i < idx) {
			idx, size = i, len(sep)
		}
	}
	if idx >= 0 {
		return buf[:idx], buf[idx+size:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

// eventData joins the event's data lines; other fields are ignored.
func eventData(event []byte) []byte {
	var parts [][]byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) > 0 {
			parts = append(parts, payload)
		}
	}
	return bytes.Join(parts, []byte("\n"))
}
