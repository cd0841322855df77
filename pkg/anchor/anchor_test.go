package anchor

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type writeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *writeLog) writer(side string) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = append(l.entries, side+":"+string(p))
		return len(p), nil
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestReplayInterleavesBySequence(t *testing.T) {
	log := &writeLog{}
	leftPending := []Chunk{{Seq: 1, Data: []byte("c1")}, {Seq: 3, Data: []byte("c3")}}
	rightPending := []Chunk{{Seq: 2, Data: []byte("c2")}}

	require.NoError(t, Replay(log.writer("left"), log.writer("right"), leftPending, rightPending))

	// Left chunks go to the right side and vice versa, in arrival order,
	// not grouped by side.
	assert.Equal(t, []string{"right:c1", "left:c2", "right:c3"}, log.entries)
}

func TestReplayOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "chunks")
		var seq Sequencer
		var leftPending, rightPending []Chunk
		var want []string
		for i := 0; i < n; i++ {
			chunk := Chunk{Seq: seq.Next(), Data: []byte{byte('a' + i%26)}}
			if rapid.Bool().Draw(t, "fromLeft") {
				leftPending = append(leftPending, chunk)
				want = append(want, "right:"+string(chunk.Data))
			} else {
				rightPending = append(rightPending, chunk)
				want = append(want, "left:"+string(chunk.Data))
			}
		}

		log := &writeLog{}
		if err := Replay(log.writer("left"), log.writer("right"), leftPending, rightPending); err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(want) == 0 {
			want = nil
		}
		assert.Equal(t, want, log.entries)
	})
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestAnchorReplaysPendingThenForwardsLive(t *testing.T) {
	var seq Sequencer
	clientA, localA := net.Pipe()
	clientB, localB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()

	left := Capture(localA, nil, &seq)
	right := Capture(localB, nil, &seq)

	_, err := clientA.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(left.Pending()) == 1 }, time.Second, time.Millisecond)

	_, err = clientB.Write([]byte("world"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(right.Pending()) == 1 }, time.Second, time.Millisecond)

	assert.Less(t, left.Pending()[0].Seq, right.Pending()[0].Seq)

	linked := make(chan *Link, 1)
	go func() { linked <- Anchor("test", "pipe", left, right) }()

	assert.Equal(t, "hello", readN(t, clientB, 5))
	assert.Equal(t, "world", readN(t, clientA, 5))
	link := <-linked
	assert.True(t, left.Anchored())
	assert.True(t, right.Anchored())
	assert.Empty(t, left.Pending())

	go func() { _, _ = clientA.Write([]byte("ping")) }()
	assert.Equal(t, "ping", readN(t, clientB, 4))
	go func() { _, _ = clientB.Write([]byte("pong")) }()
	assert.Equal(t, "pong", readN(t, clientA, 4))

	require.NoError(t, clientA.Close())
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("closing one side did not end the link")
	}
	assert.True(t, right.Closed())
}

func TestAnchorTwicePanics(t *testing.T) {
	var seq Sequencer
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	c1, c2 := net.Pipe()
	defer a1.Close()
	defer b1.Close()
	defer c1.Close()

	left := Capture(a2, nil, &seq)
	right := Capture(b2, nil, &seq)
	other := Capture(c2, nil, &seq)

	Anchor("first", "test", left, right)
	assert.Panics(t, func() { Anchor("second", "test", left, other) })
	assert.False(t, other.Anchored())
}

func TestAnchorToClosedSideClosesOther(t *testing.T) {
	var seq Sequencer
	clientA, localA := net.Pipe()
	clientB, localB := net.Pipe()
	defer clientB.Close()

	left := Capture(localA, nil, &seq)
	right := Capture(localB, nil, &seq)

	require.NoError(t, clientA.Close())
	require.Eventually(t, left.Closed, time.Second, time.Millisecond)

	link := Anchor("closed", "test", left, right)
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("anchoring to a closed side must end the pair")
	}
}

func TestCaptureStopsReadingAtLimit(t *testing.T) {
	var seq Sequencer
	clientA, localA := net.Pipe()
	clientB, localB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()

	left := CaptureLimit(localA, nil, &seq, 4)
	right := Capture(localB, nil, &seq)

	_, err := clientA.Write([]byte("abcd"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return left.Buffered() == 4 }, time.Second, time.Millisecond)

	wrote := make(chan error, 1)
	go func() {
		_, err := clientA.Write([]byte("efgh"))
		wrote <- err
	}()
	select {
	case <-wrote:
		t.Fatal("a full capture buffer must stop reading")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 4, left.Buffered())

	go Anchor("limit", "pipe", left, right)
	assert.Equal(t, "abcdefgh", readN(t, clientB, 8))
	require.NoError(t, <-wrote)
	assert.Zero(t, left.Buffered())
}
