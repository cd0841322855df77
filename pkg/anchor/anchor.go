package anchor

import (
	"fmt"
	"io"
)

// Link is an anchored pair.
type Link struct {
	Label string
	Point string
	Left  *Conn
	Right *Conn

	done chan struct{}
}

// Done is closed once both sides have ended.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Anchor joins left and right. Buffered chunks of both sides are replayed to
// the opposite side in ascending sequence order, then live forwarding starts.
// A close on either side ends the other.
//
// Anchoring a connection twice is a programming error and panics.
func Anchor(label, point string, left, right *Conn) *Link {
	if left == right {
		panic(fmt.Sprintf("anchor %s@%s: cannot anchor a connection to itself", label, point))
	}

	first, second := left, right
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	if left.anchored || right.anchored {
		second.mu.Unlock()
		first.mu.Unlock()
		panic(fmt.Sprintf("anchor %s@%s: connection already anchored", label, point))
	}
	left.anchored = true
	right.anchored = true

	leftPending, rightPending := left.pending, right.pending
	left.pending, right.pending = nil, nil
	left.buffered, right.buffered = 0, 0

	replayErr := Replay(left.Conn, right.Conn, leftPending, rightPending)

	left.peer = right
	right.peer = left
	leftClosed, rightClosed := left.closed, right.closed

	second.mu.Unlock()
	first.mu.Unlock()
	close(left.joined)
	close(right.joined)

	switch {
	case replayErr != nil:
		_ = left.Close()
		_ = right.Close()
	case leftClosed:
		_ = right.Close()
	case rightClosed:
		_ = left.Close()
	}

	link := &Link{Label: label, Point: point, Left: left, Right: right, done: make(chan struct{})}
	go func() {
		<-left.done
		<-right.done
		close(link.done)
	}()
	return link
}

// Replay writes leftPending to right and rightPending to left, interleaved by
// ascending sequence number. Both slices must already be in capture order.
func Replay(left, right io.Writer, leftPending, rightPending []Chunk) error {
	i, j := 0, 0
	for i < len(leftPending) || j < len(rightPending) {
		if j == len(rightPending) || (i < len(leftPending) && leftPending[i].Seq < rightPending[j].Seq) {
			if _, err := right.Write(leftPending[i].Data); err != nil {
				return fmt.Errorf("replay to right: %w", err)
			}
			i++
			continue
		}
		if _, err := left.Write(rightPending[j].Data); err != nil {
			return fmt.Errorf("replay to left: %w", err)
		}
		j++
	}
	return nil
}
