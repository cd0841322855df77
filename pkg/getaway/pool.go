// Package getaway keeps pre-authenticated requester connections to the
// broker warm per (server, application) pair while there is demand for it.
//
// The first request for a cold pair opens one single-use getaway plus the
// application's getawayRelease auto-reconnecting ones and arms a decay
// timer. Each further request re-arms the timer. When it fires, every
// getaway of the pair that is not anchored yet is closed.
package getaway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// Defaults used when the application does not say otherwise.
const (
	DefaultRestoreDelay   = time.Second
	DefaultRelease        = 1
	DefaultReleaseTimeout = 30 * time.Second
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("getaway pool closed")

// DialFunc opens a requester socket for pair and returns it once the broker
// accepted the redirect descriptor. connected is called when the socket is
// open and the descriptor is about to be sent; it must be called before
// DialFunc returns, from the calling goroutine. r yields the bytes following
// the acceptance frame.
type DialFunc func(ctx context.Context, pair domain.Pair, connected func()) (conn net.Conn, r io.Reader, err error)

// Settings size the pool of one pair.
type Settings struct {
	Release        int
	ReleaseTimeout time.Duration
}

// Options configure a Pool.
type Options struct {
	Dial DialFunc
	// Settings returns the sizing of pair. Nil uses the defaults.
	Settings func(pair domain.Pair) Settings
	// Sequencer orders captured bytes across every socket of the agent.
	Sequencer    *anchor.Sequencer
	RestoreDelay time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Getaway is one pooled broker connection.
type Getaway struct {
	ID            string
	Pair          domain.Pair
	AutoReconnect bool

	conn       *anchor.Conn
	state      atomic.Int32
	generation uint64
}

// Conn returns the captured socket. Valid once the getaway was acquired.
func (g *Getaway) Conn() *anchor.Conn {
	return g.conn
}

// State returns the lifecycle state.
func (g *Getaway) State() domain.GetawayState {
	return domain.GetawayState(g.state.Load())
}

func (g *Getaway) setState(s domain.GetawayState) {
	g.state.Store(int32(s))
}

// Stats is a snapshot of one pair.
type Stats struct {
	HasRequest     bool
	Free           int
	Waiters        int
	InFlight       int
	Authenticating int
}

// request is a parked Acquire. ch has room for the one getaway it is
// handed; sends happen under Pool.mu.
type request struct {
	id string
	ch chan *Getaway
}

// demand is the per-pair state. All fields are guarded by Pool.mu.
type demand struct {
	pair       domain.Pair
	hasRequest bool
	generation uint64
	armed      uint64
	timer      *time.Timer
	free       []*Getaway
	waiters    []*request
	inflight   int

	// authenticating counts in-flight getaways awaiting the broker's ack.
	authenticating int
}

// Pool is the agent's getaway manager.
type Pool struct {
	dial     DialFunc
	settings func(domain.Pair) Settings
	seq      *anchor.Sequencer
	restore  time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	pairs  map[domain.Pair]*demand
	closed bool
}

// New creates a pool. Close releases it.
func New(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RestoreDelay <= 0 {
		opts.RestoreDelay = DefaultRestoreDelay
	}
	if opts.Sequencer == nil {
		opts.Sequencer = &anchor.Sequencer{}
	}
	if opts.Settings == nil {
		opts.Settings = func(domain.Pair) Settings { return Settings{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dial:     opts.Dial,
		settings: opts.Settings,
		seq:      opts.Sequencer,
		restore:  opts.RestoreDelay,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		pairs:    make(map[domain.Pair]*demand),
	}
}

func (p *Pool) sizing(pair domain.Pair) Settings {
	s := p.settings(pair)
	if s.Release < 0 {
		s.Release = 0
	}
	if s.ReleaseTimeout <= 0 {
		s.ReleaseTimeout = DefaultReleaseTimeout
	}
	return s
}

// demandLocked returns the state of pair, creating it on first use.
func (p *Pool) demandLocked(pair domain.Pair) *demand {
	d, ok := p.pairs[pair]
	if !ok {
		d = &demand{pair: pair}
		p.pairs[pair] = d
	}
	return d
}

// Acquire returns a ready getaway for pair, waiting for one if none is
// free. The wait ends with ctx; a deadline turns into a request timeout.
func (p *Pool) Acquire(ctx context.Context, pair domain.Pair, requestID string) (*Getaway, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "getaway.acquire", pair)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		telemetry.EndSpan(span, ErrClosed)
		return nil, ErrClosed
	}
	d := p.demandLocked(pair)
	p.touchLocked(d)

	if g := p.popFreeLocked(d); g != nil {
		p.mu.Unlock()
		p.metrics.ObserveAcquire(time.Since(start))
		telemetry.EndSpan(span, nil)
		return g, nil
	}

	req := &request{id: requestID, ch: make(chan *Getaway, 1)}
	d.waiters = append(d.waiters, req)
	if d.inflight < len(d.waiters) {
		p.spawnLocked(d, false, "waiter")
	}
	p.mu.Unlock()
	p.metrics.AddPoolWaiters(1)
	defer p.metrics.AddPoolWaiters(-1)

	select {
	case g := <-req.ch:
		p.metrics.ObserveAcquire(time.Since(start))
		telemetry.EndSpan(span, nil)
		return g, nil
	case <-ctx.Done():
	case <-p.ctx.Done():
	}

	// Handoffs send under mu, so once req is off the list its channel
	// holds whatever it will ever get.
	var handed *Getaway
	p.mu.Lock()
	if i := slices.Index(d.waiters, req); i >= 0 {
		d.waiters = slices.Delete(d.waiters, i, i+1)
	}
	select {
	case handed = <-req.ch:
	default:
	}
	p.mu.Unlock()

	if handed != nil {
		p.putBack(handed)
	}

	var err error
	switch {
	case p.ctx.Err() != nil:
		err = ErrClosed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = domain.TimeoutError(domain.CodeRequestTimeout, "no getaway for "+pair.String()+" within request timeout")
	default:
		err = ctx.Err()
	}
	telemetry.EndSpan(span, err)
	return nil, err
}

// touchLocked records a request: a cold pair is warmed, a warm pair only
// has its decay timer re-armed.
func (p *Pool) touchLocked(d *demand) {
	s := p.sizing(d.pair)
	if !d.hasRequest {
		d.hasRequest = true
		d.generation++
		p.spawnLocked(d, false, "demand")
		for i := 0; i < s.Release; i++ {
			p.spawnLocked(d, true, "demand")
		}
		p.logger.Debug("getaway demand started",
			"server", d.pair.Server,
			"application", d.pair.Application,
			"release", s.Release,
			"release_timeout", s.ReleaseTimeout,
		)
	}

	d.armed++
	armed := d.armed
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(s.ReleaseTimeout, func() { p.decay(d, armed) })
}

// popFreeLocked hands out the oldest live free getaway.
func (p *Pool) popFreeLocked(d *demand) *Getaway {
	for len(d.free) > 0 {
		g := d.free[0]
		d.free = d.free[1:]
		if g.conn.Closed() {
			continue
		}
		p.consumeLocked(d, g)
		return g
	}
	return nil
}

// consumeLocked marks g busy and keeps the pool at strength.
func (p *Pool) consumeLocked(d *demand, g *Getaway) {
	g.setState(domain.GetawayAnchored)
	if g.AutoReconnect && d.hasRequest {
		p.spawnLocked(d, true, "replenish")
	}
}

func (p *Pool) spawnLocked(d *demand, auto bool, reason string) {
	if p.closed {
		return
	}
	g := &Getaway{
		ID:            uuid.NewString(),
		Pair:          d.pair,
		AutoReconnect: auto,
		generation:    d.generation,
	}
	d.inflight++
	p.metrics.RecordGetawayOpened(reason)
	p.wg.Add(1)
	go p.run(d, g)
}

// run drives one getaway slot: connect, wait while free, and reconnect
// after the restore delay if it closed before being used.
func (p *Pool) run(d *demand, g *Getaway) {
	defer p.wg.Done()
	for {
		g.setState(domain.GetawayConnecting)
		authenticating := false
		conn, r, err := p.dial(p.ctx, d.pair, func() {
			p.mu.Lock()
			d.authenticating++
			p.mu.Unlock()
			authenticating = true
			g.setState(domain.GetawayAuthenticating)
		})

		p.mu.Lock()
		d.inflight--
		if authenticating {
			d.authenticating--
		}
		stale := p.closed || g.generation != d.generation
		if err != nil {
			p.mu.Unlock()
			if !stale {
				p.logger.Warn("getaway connect failed",
					"server", d.pair.Server,
					"application", d.pair.Application,
					"getaway_id", g.ID,
					"error", err,
				)
			}
			if !p.again(d, g) {
				return
			}
			continue
		}
		if stale {
			p.mu.Unlock()
			conn.Close()
			p.metrics.RecordGetawayDestroyed("decay")
			g.setState(domain.GetawayClosed)
			return
		}

		g.conn = anchor.Capture(conn, r, p.seq)
		if len(d.waiters) > 0 {
			req := d.waiters[0]
			d.waiters = d.waiters[1:]
			p.consumeLocked(d, g)
			req.ch <- g
			p.mu.Unlock()
			return
		}
		g.setState(domain.GetawayReady)
		d.free = append(d.free, g)
		p.mu.Unlock()

		<-g.conn.Done()

		p.mu.Lock()
		if i := slices.Index(d.free, g); i >= 0 {
			d.free = slices.Delete(d.free, i, i+1)
		}
		anchored := g.State() == domain.GetawayAnchored
		p.mu.Unlock()
		if anchored {
			return
		}
		g.setState(domain.GetawayClosed)
		if !p.again(d, g) {
			return
		}
	}
}

// again waits out the restore delay and reports whether g should
// reconnect. It re-registers g as in flight when it does.
func (p *Pool) again(d *demand, g *Getaway) bool {
	if !g.AutoReconnect {
		return false
	}
	timer := time.NewTimer(p.restore)
	select {
	case <-p.ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || g.generation != d.generation || !d.hasRequest {
		return false
	}
	d.inflight++
	p.metrics.RecordGetawayOpened("restore")
	return true
}

// putBack returns an unused getaway to the free list, or hands it to the
// next waiter.
func (p *Pool) putBack(g *Getaway) {
	p.mu.Lock()
	d := p.demandLocked(g.Pair)
	if p.closed || g.conn.Closed() || g.generation != d.generation {
		p.mu.Unlock()
		g.conn.Close()
		return
	}
	if len(d.waiters) > 0 {
		req := d.waiters[0]
		d.waiters = d.waiters[1:]
		g.setState(domain.GetawayAnchored)
		req.ch <- g
		p.mu.Unlock()
		return
	}
	g.setState(domain.GetawayReady)
	d.free = append(d.free, g)
	p.mu.Unlock()

	// The run loop returned when g was handed out; watch it again.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-g.conn.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if i := slices.Index(d.free, g); i >= 0 {
			d.free = slices.Delete(d.free, i, i+1)
		}
	}()
}

// decay ends the demand of d unless the timer was re-armed since.
func (p *Pool) decay(d *demand, armed uint64) {
	p.mu.Lock()
	if p.closed || d.armed != armed || !d.hasRequest {
		p.mu.Unlock()
		return
	}
	d.hasRequest = false
	d.generation++
	victims := d.free
	d.free = nil
	destroyedInflight := d.inflight

	// Parked requests keep a single-use getaway each.
	for range d.waiters {
		p.spawnLocked(d, false, "waiter")
	}
	p.mu.Unlock()

	for _, g := range victims {
		g.setState(domain.GetawayClosed)
		g.conn.Close()
		p.metrics.RecordGetawayDestroyed("decay")
	}
	p.logger.Debug("getaway demand decayed",
		"server", d.pair.Server,
		"application", d.pair.Application,
		"closed", len(victims),
		"in_flight", destroyedInflight,
	)
}

// Stats returns a snapshot of pair.
func (p *Pool) Stats(pair domain.Pair) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.pairs[pair]
	if !ok {
		return Stats{}
	}
	return Stats{
		HasRequest:     d.hasRequest,
		Free:           len(d.free),
		Waiters:        len(d.waiters),
		InFlight:       d.inflight,
		Authenticating: d.authenticating,
	}
}

// Close stops every timer, closes free getaways and waits for the
// connection goroutines to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var victims []*Getaway
	for _, d := range p.pairs {
		if d.timer != nil {
			d.timer.Stop()
		}
		victims = append(victims, d.free...)
		d.free = nil
	}
	p.mu.Unlock()

	p.cancel()
	for _, g := range victims {
		g.conn.Close()
	}
	p.wg.Wait()
	return nil
}
