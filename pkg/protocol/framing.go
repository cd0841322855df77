// Package protocol implements the relay control-channel wire format.
//
// A frame is an escaped payload followed by two delimiter bytes. Inside a
// payload every delimiter is escaped, so a doubled delimiter can only ever
// appear as a terminator. Control frames carry a JSON envelope
// {eventName, args[]}; descriptor sockets carry a single JSON descriptor as
// their first frame.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/polisai/polis-relay/pkg/domain"
)

const (
	// Delimiter terminates a frame when doubled.
	Delimiter byte = '\n'
	// Escape introduces an escaped byte inside a payload.
	Escape byte = '\\'
	// MaxFrameSize bounds a single encoded frame.
	MaxFrameSize = 64 * 1024
)

// ErrFrameTooLarge is returned when no terminator is found within MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// EncodeFrame escapes payload and appends the terminator.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	for _, b := range payload {
		switch b {
		case Escape:
			out = append(out, Escape, Escape)
		case Delimiter:
			out = append(out, Escape, 'n')
		default:
			out = append(out, b)
		}
	}
	return append(out, Delimiter, Delimiter)
}

// DecodeFrame reverses the payload escaping of a frame body without its
// terminator.
func DecodeFrame(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b == Delimiter {
			return nil, domain.ProtocolError("bare delimiter inside frame", nil)
		}
		if b != Escape {
			out = append(out, b)
			continue
		}
		i++
		if i == len(body) {
			return nil, domain.ProtocolError("dangling escape", nil)
		}
		switch body[i] {
		case Escape:
			out = append(out, Escape)
		case 'n':
			out = append(out, Delimiter)
		default:
			return nil, domain.ProtocolError(fmt.Sprintf("unknown escape %q", body[i]), nil)
		}
	}
	return out, nil
}

// NewReader returns a buffered reader sized to hold a maximal frame.
func NewReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok && br.Size() >= MaxFrameSize {
		return br
	}
	return bufio.NewReaderSize(r, MaxFrameSize)
}

// ReadFrame reads one frame from r and returns its decoded payload.
//
// I/O errors are returned as is. A frame that is oversized or badly
// terminated yields a protocol error; the reader is left positioned after
// the offending bytes so the caller may keep reading.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice(Delimiter)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			// Drain the rest of the oversized frame.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice(Delimiter)
			}
			if err != nil {
				return nil, err
			}
			if _, err := r.ReadByte(); err != nil {
				return nil, err
			}
			return nil, domain.ProtocolError("frame too large", ErrFrameTooLarge)
		}
		return nil, err
	}
	body := bytes.Clone(line[:len(line)-1])

	next, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if next != Delimiter {
		_ = r.UnreadByte()
		return nil, domain.ProtocolError("frame not terminated by double delimiter", nil)
	}
	return DecodeFrame(body)
}

// WriteFrame encodes payload and writes it to w in a single call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}
