package backend

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r io.Reader) []string {
	t.Helper()
	dec := newSSEDecoder(r)
	var out []string
	for {
		data, err := dec.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

func TestSSEDecoder_SplitReads(t *testing.T) {
	stream := "event: a\ndata: {\"n\":1}\n\n: comment\n\ndata: {\"n\":2}\n\n"
	got := drain(t, iotest.OneByteReader(strings.NewReader(stream)))
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)
}

func TestSSEDecoder_CRLFAndTrailingEvent(t *testing.T) {
	stream := "data: {\"n\":1}\r\n\r\ndata: {\"n\":2}"
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, drain(t, strings.NewReader(stream)))
}

func TestSSEDecoder_StopsAtDone(t *testing.T) {
	stream := "data: {\"n\":1}\n\ndata: [DONE]\n\ndata: {\"n\":2}\n\n"
	assert.Equal(t, []string{`{"n":1}`}, drain(t, strings.NewReader(stream)))
}

func TestSSEDecoder_ReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("data: {\"n\":1}\n\ndata: {\"n"), iotest.ErrReader(io.ErrUnexpectedEOF))
	dec := newSSEDecoder(r)

	data, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSSEDecoder_MixedFraming(t *testing.T) {
	stream := "data: {\"n\":1}\n\ndata: {\"n\":2}\r\n\r\ndata: {\"n\":3}\n\n"
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	assert.Equal(t, want, drain(t, strings.NewReader(stream)))
	assert.Equal(t, want, drain(t, iotest.OneByteReader(strings.NewReader(stream))))
}
