// Package anchor joins two duplex connections into one relayed stream.
//
// A connection is captured as soon as its owner stops reading framed
// preamble from it. From then on a single pump goroutine reads the socket:
// before anchoring each chunk is buffered with a process-wide sequence
// number, after anchoring chunks are written straight to the peer. Anchor
// replays both capture buffers in sequence order before live forwarding
// starts, so pre-anchor writes from both sides reach their opposite side in
// the order they arrived.
//
// The capture buffer is bounded. Once it holds the limit the pump stops
// reading until the connection is anchored, leaving the sender to TCP
// backpressure.
package anchor

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

const readChunkSize = 32 * 1024

// DefaultPendingLimit is the capture buffer size of Capture.
const DefaultPendingLimit = 256 * 1024

// Sequencer hands out monotonically increasing capture sequence numbers.
// One Sequencer is shared by every connection of a process.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Chunk is data captured before anchoring.
type Chunk struct {
	Seq  uint64
	Data []byte
}

var connIDs atomic.Uint64

// Conn is a captured connection.
type Conn struct {
	net.Conn

	id    uint64
	src   io.Reader
	seq   *Sequencer
	limit int

	mu       sync.Mutex
	pending  []Chunk
	buffered int
	peer     *Conn
	anchored bool
	closed   bool
	err      error
	relayed  atomic.Int64

	joined chan struct{}
	done   chan struct{}
}

// Capture starts buffering everything readable from src, which is usually
// conn itself or a bufio.Reader still holding bytes past a framed preamble.
func Capture(conn net.Conn, src io.Reader, seq *Sequencer) *Conn {
	return CaptureLimit(conn, src, seq, DefaultPendingLimit)
}

// CaptureLimit is Capture with a capture buffer of limit bytes. The buffer
// may overshoot the limit by one read.
func CaptureLimit(conn net.Conn, src io.Reader, seq *Sequencer, limit int) *Conn {
	if src == nil {
		src = conn
	}
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	c := &Conn{
		Conn:   conn,
		id:     connIDs.Add(1),
		src:    src,
		seq:    seq,
		limit:  limit,
		joined: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

// room blocks while the capture buffer is full. It reports false once the
// connection ended.
func (c *Conn) room() bool {
	c.mu.Lock()
	full := c.peer == nil && c.buffered >= c.limit
	c.mu.Unlock()
	if !full {
		return true
	}
	select {
	case <-c.joined:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) pump() {
	buf := make([]byte, readChunkSize)
	for {
		if !c.room() {
			return
		}
		n, err := c.src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			c.mu.Lock()
			peer := c.peer
			if peer == nil {
				c.pending = append(c.pending, Chunk{Seq: c.seq.Next(), Data: data})
				c.buffered += n
			}
			c.mu.Unlock()

			if peer != nil {
				if _, werr := peer.Conn.Write(data); werr != nil {
					c.finish(werr)
					return
				}
				c.relayed.Add(int64(n))
			}
		}
		if err != nil {
			c.finish(err)
			return
		}
	}
}

// finish closes the connection once and cascades the close to the peer.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.err = err
	}
	peer := c.peer
	c.mu.Unlock()

	_ = c.Conn.Close()
	close(c.done)
	if peer != nil {
		_ = peer.Close()
	}
}

// Close closes the underlying socket. The pump observes the close and
// cascades it to the peer when anchored.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.finish(nil)
	return err
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the read or write error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Anchored reports whether the connection has been joined to a peer.
func (c *Conn) Anchored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchored
}

// Pending returns a copy of the chunks captured so far.
func (c *Conn) Pending() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Chunk, len(c.pending))
	copy(out, c.pending)
	return out
}

// Buffered returns the number of captured bytes awaiting replay.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// Relayed returns the number of bytes forwarded live from this side.
func (c *Conn) Relayed() int64 {
	return c.relayed.Load()
}
