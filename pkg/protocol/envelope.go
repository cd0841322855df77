package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Envelope is a multiplexed control-channel event.
type Envelope struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

// NewEnvelope marshals args into an envelope for event.
func NewEnvelope(event string, args ...any) (Envelope, error) {
	env := Envelope{EventName: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s arg %d: %w", event, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return env, nil
}

// Arg decodes argument i into v.
func (e Envelope) Arg(i int, v any) error {
	if i >= len(e.Args) {
		return domain.ProtocolError(fmt.Sprintf("%s: missing argument %d", e.EventName, i), nil)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return domain.ProtocolError(fmt.Sprintf("%s: argument %d", e.EventName, i), err)
	}
	return nil
}

// Codec reads and writes frames on one connection. Writes are serialized;
// reads must come from a single goroutine.
type Codec struct {
	r   *bufio.Reader
	w   io.Writer
	wmu sync.Mutex
}

// NewCodec wraps rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: NewReader(rw), w: rw}
}

// Reader exposes the buffered reader. Bytes already buffered past the last
// frame belong to whatever follows the framed preamble.
func (c *Codec) Reader() *bufio.Reader {
	return c.r
}

// ReadJSON reads one frame and unmarshals it into v.
func (c *Codec) ReadJSON(v any) error {
	payload, err := ReadFrame(c.r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.ProtocolError("invalid JSON payload", err)
	}
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func (c *Codec) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, payload)
}

// ReadEnvelope reads the next control event.
func (c *Codec) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := c.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	if env.EventName == "" {
		return Envelope{}, domain.ProtocolError("envelope without eventName", nil)
	}
	return env, nil
}

// Send writes event with args.
func (c *Codec) Send(event string, args ...any) error {
	env, err := NewEnvelope(event, args...)
	if err != nil {
		return err
	}
	return c.WriteJSON(env)
}
