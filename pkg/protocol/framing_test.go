package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-relay/pkg/domain"
)

func TestEncodeFrameEscapesDelimiters(t *testing.T) {
	frame := EncodeFrame([]byte("a\nb\\c"))
	assert.Equal(t, "a\\nb\\\\c\n\n", string(frame))
	assert.Equal(t, 1, bytes.Count(frame, []byte{Delimiter, Delimiter}), "terminator must be the only doubled delimiter")
}

func TestFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(rapid.SliceOf(rapid.Byte()), 1, 8).Draw(t, "payloads")

		var buf bytes.Buffer
		for _, p := range payloads {
			require.NoError(t, WriteFrame(&buf, p))
		}

		r := NewReader(&buf)
		for i, want := range payloads {
			got, err := ReadFrame(r)
			require.NoError(t, err, "frame %d", i)
			assert.Equal(t, string(want), string(got), "frame %d", i)
		}
		_, err := ReadFrame(r)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestReadFrameRejectsSingleDelimiter(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\nX"))
	_, err := ReadFrame(r)
	require.Error(t, err)
	assert.True(t, domain.IsProtocol(err))
}

func TestReadFrameRecoversAfterOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte("x"), MaxFrameSize+10))
	buf.WriteString("\n\n")
	require.NoError(t, WriteFrame(&buf, []byte("next")))

	r := NewReader(&buf)
	_, err := ReadFrame(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	got, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "next", string(got))
}

func TestDecodeFrameRejectsUnknownEscape(t *testing.T) {
	_, err := DecodeFrame([]byte("ab\\q"))
	assert.True(t, domain.IsProtocol(err))

	_, err = DecodeFrame([]byte("ab\\"))
	assert.True(t, domain.IsProtocol(err))
}

func TestNewReaderReusesLargeBuffer(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader(""), MaxFrameSize)
	assert.Same(t, br, NewReader(br))
}
