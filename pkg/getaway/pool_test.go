package getaway

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
)

var webPair = domain.Pair{Server: "a.aio", Application: "web"}

type fakeBroker struct {
	mu      sync.Mutex
	dials   int
	remotes []net.Conn
	// gate holds dials before the socket opens, ack after it opened.
	gate chan struct{}
	ack  chan struct{}
}

func (f *fakeBroker) dial(ctx context.Context, _ domain.Pair, connected func()) (net.Conn, io.Reader, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	connected()
	if f.ack != nil {
		select {
		case <-f.ack:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	local, remote := net.Pipe()
	f.mu.Lock()
	f.dials++
	f.remotes = append(f.remotes, remote)
	f.mu.Unlock()
	return local, local, nil
}

func (f *fakeBroker) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeBroker) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.remotes {
		c.Close()
	}
}

func newTestPool(t *testing.T, fb *fakeBroker, s Settings) *Pool {
	t.Helper()
	p := New(Options{
		Dial:         fb.dial,
		Settings:     func(domain.Pair) Settings { return s },
		RestoreDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		fb.closeAll()
		require.NoError(t, p.Close())
	})
	return p
}

func TestFirstRequestWarmsPool(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 2, ReleaseTimeout: time.Minute})

	g, err := p.Acquire(context.Background(), webPair, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GetawayAnchored, g.State())
	assert.Equal(t, webPair, g.Pair)

	require.Eventually(t, func() bool {
		st := p.Stats(webPair)
		return st.InFlight == 0 && st.Free >= 2
	}, 2*time.Second, 5*time.Millisecond)

	st := p.Stats(webPair)
	assert.True(t, st.HasRequest)
	assert.Zero(t, st.Waiters)
	// One single-use plus two auto-reconnecting getaways, and one
	// replacement if an auto-reconnecting getaway was consumed.
	assert.Contains(t, []int{3, 4}, fb.dialCount())
}

func TestSecondRequestUsesFreeGetaway(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 1, ReleaseTimeout: time.Minute})

	_, err := p.Acquire(context.Background(), webPair, "req-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := p.Stats(webPair)
		return st.InFlight == 0 && st.Free >= 1
	}, 2*time.Second, 5*time.Millisecond)
	before := p.Stats(webPair).Free

	g, err := p.Acquire(context.Background(), webPair, "req-2")
	require.NoError(t, err)
	assert.Equal(t, domain.GetawayAnchored, g.State())
	if !g.AutoReconnect {
		assert.Equal(t, before-1, p.Stats(webPair).Free)
	}
}

func TestDemandDecayDestroysUnanchoredGetaways(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 2, ReleaseTimeout: 80 * time.Millisecond})

	held, err := p.Acquire(context.Background(), webPair, "req-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := p.Stats(webPair)
		return !st.HasRequest && st.Free == 0 && st.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, held.Conn().Closed(), "anchored getaways survive decay")

	dials := fb.dialCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, fb.dialCount(), "destroyed getaways do not reconnect")
}

func TestRequestRearmsDecayTimer(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 1, ReleaseTimeout: 150 * time.Millisecond})

	for i := 0; i < 4; i++ {
		_, err := p.Acquire(context.Background(), webPair, "req")
		require.NoError(t, err)
		time.Sleep(60 * time.Millisecond)
		assert.True(t, p.Stats(webPair).HasRequest)
	}
}

func TestAcquireTimesOutWithoutBroker(t *testing.T) {
	fb := &fakeBroker{gate: make(chan struct{})}
	p := newTestPool(t, fb, Settings{Release: 1, ReleaseTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, webPair, "req-1")
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, domain.CodeRequestTimeout, domain.CodeOf(err))
	assert.Zero(t, p.Stats(webPair).Waiters)
}

func TestWaiterServedBeforePooling(t *testing.T) {
	fb := &fakeBroker{gate: make(chan struct{})}
	p := newTestPool(t, fb, Settings{Release: 1, ReleaseTimeout: time.Minute})

	got := make(chan *Getaway, 1)
	go func() {
		g, err := p.Acquire(context.Background(), webPair, "req-1")
		if err == nil {
			got <- g
		}
	}()

	require.Eventually(t, func() bool { return p.Stats(webPair).Waiters == 1 }, time.Second, 5*time.Millisecond)
	fb.gate <- struct{}{}

	select {
	case g := <-got:
		assert.Equal(t, domain.GetawayAnchored, g.State())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}
	st := p.Stats(webPair)
	assert.Zero(t, st.Free, "the ready getaway went to the waiter, not the pool")
	assert.Zero(t, st.Waiters)
}

func TestAutoReconnectAfterUnanchoredClose(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 2, ReleaseTimeout: time.Minute})

	_, err := p.Acquire(context.Background(), webPair, "req-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := p.Stats(webPair)
		return st.InFlight == 0 && st.Free >= 2
	}, 2*time.Second, 5*time.Millisecond)

	p.mu.Lock()
	var auto *Getaway
	for _, g := range p.pairs[webPair].free {
		if g.AutoReconnect {
			auto = g
			break
		}
	}
	free := len(p.pairs[webPair].free)
	p.mu.Unlock()
	require.NotNil(t, auto)

	dials := fb.dialCount()
	auto.Conn().Close()

	require.Eventually(t, func() bool {
		return fb.dialCount() == dials+1 && p.Stats(webPair).Free == free
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFreeGetawayCapturesEarlyBytes(t *testing.T) {
	fb := &fakeBroker{}
	p := newTestPool(t, fb, Settings{Release: 1, ReleaseTimeout: time.Minute})

	_, err := p.Acquire(context.Background(), webPair, "req-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := p.Stats(webPair)
		return st.InFlight == 0 && st.Free >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Greet every connection from the broker side; free getaways must
	// buffer it for replay.
	fb.mu.Lock()
	remotes := append([]net.Conn(nil), fb.remotes...)
	fb.mu.Unlock()
	for _, r := range remotes {
		go r.Write([]byte("banner"))
	}

	g, err := p.Acquire(context.Background(), webPair, "req-2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(g.Conn().Pending()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "banner", string(g.Conn().Pending()[0].Data))
}

func TestAcquireAfterClose(t *testing.T) {
	p := New(Options{Dial: (&fakeBroker{}).dial})
	require.NoError(t, p.Close())
	_, err := p.Acquire(context.Background(), webPair, "req")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetawaysAuthenticateBeforeReady(t *testing.T) {
	fb := &fakeBroker{ack: make(chan struct{})}
	p := newTestPool(t, fb, Settings{Release: 0, ReleaseTimeout: time.Minute})

	got := make(chan *Getaway, 1)
	go func() {
		g, err := p.Acquire(context.Background(), webPair, "req-1")
		if err == nil {
			got <- g
		}
	}()

	require.Eventually(t, func() bool { return p.Stats(webPair).Authenticating == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats(webPair).Waiters)

	fb.ack <- struct{}{}
	select {
	case g := <-got:
		assert.Equal(t, domain.GetawayAnchored, g.State())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}
	assert.Zero(t, p.Stats(webPair).Authenticating)
}

func TestCancelledAcquireDoesNotLoseHandoff(t *testing.T) {
	for i := 0; i < 200; i++ {
		fb := &fakeBroker{gate: make(chan struct{})}
		p := New(Options{
			Dial:         fb.dial,
			Settings:     func(domain.Pair) Settings { return Settings{Release: 0, ReleaseTimeout: time.Minute} },
			RestoreDelay: 10 * time.Millisecond,
		})

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan *Getaway, 1)
		go func() {
			g, _ := p.Acquire(ctx, webPair, "req")
			result <- g
		}()
		require.Eventually(t, func() bool { return p.Stats(webPair).Waiters == 1 }, time.Second, time.Millisecond)

		go func() { fb.gate <- struct{}{} }()
		cancel()
		g := <-result

		// The only getaway either reached the caller or went back to the
		// free list.
		require.Eventually(t, func() bool {
			st := p.Stats(webPair)
			if st.InFlight != 0 || fb.dialCount() != 1 {
				return false
			}
			if g != nil {
				return st.Free == 0
			}
			return st.Free == 1
		}, 2*time.Second, time.Millisecond, "iteration %d", i)

		fb.closeAll()
		require.NoError(t, p.Close())
	}
}
