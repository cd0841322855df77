// Package broker is the central rendezvous of the relay. It runs three
// socket services over one shared state:
//
//   - Auth: the agents' persistent control connections.
//   - Requester: redirect descriptors from agents forwarding a client.
//   - Response: getaways offered by target agents.
//
// A requester socket and an offered getaway of the same (server,
// application) pair are matched first-come first-served and joined with
// anchor.Anchor.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/audit"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/grant"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// DefaultHandshakeTimeout bounds the wait for the first frame of a socket.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configure a Broker.
type Options struct {
	Sessions *session.Registry
	// Policy defaults to grant.ListPolicy.
	Policy grant.Policy
	// Audit defaults to audit.NopSink.
	Audit audit.Sink
	// AuthLimiter throttles handshakes per remote host. Nil disables it.
	AuthLimiter      *governance.RateLimiter
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
}

// Addresses are the listen addresses of the three services.
type Addresses struct {
	Auth      string
	Requester string
	Response  string
}

// Broker matches requesters with offered getaways.
type Broker struct {
	sessions  *session.Registry
	policy    grant.Policy
	audit     audit.Sink
	limiter   *governance.RateLimiter
	handshake time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	state *state
	seq   anchor.Sequencer

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New creates a broker.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = grant.ListPolicy{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopSink{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Sessions == nil {
		panic("broker: session registry is required")
	}
	if opts.AuthLimiter != nil {
		opts.Metrics.TrackAuthThrottle(opts.AuthLimiter.Len)
	}
	return &Broker{
		sessions:  opts.Sessions,
		policy:    opts.Policy,
		audit:     opts.Audit,
		limiter:   opts.AuthLimiter,
		handshake: opts.HandshakeTimeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		state:     newState(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Run listens on addrs and serves until ctx ends.
func (b *Broker) Run(ctx context.Context, addrs Addresses) error {
	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, 3)
	for _, addr := range []string{addrs.Auth, addrs.Requester, addrs.Response} {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	b.logger.Info("broker listening",
		"auth", listeners[0].Addr().String(),
		"requester", listeners[1].Addr().String(),
		"response", listeners[2].Addr().String(),
	)
	return b.Serve(ctx, listeners[0], listeners[1], listeners[2])
}

// Serve accepts on the given listeners until ctx ends, then closes them
// together with every open socket.
func (b *Broker) Serve(ctx context.Context, auth, requester, response net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.acceptLoop(gctx, auth, "auth", b.serveAuth) })
	g.Go(func() error { return b.acceptLoop(gctx, requester, "requester", b.serveRequester) })
	g.Go(func() error { return b.acceptLoop(gctx, response, "response", b.serveResponse) })
	g.Go(func() error {
		<-gctx.Done()
		auth.Close()
		requester.Close()
		response.Close()
		b.closeAll()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener, service string, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s accept: %w", service, err)
		}
		b.track(conn)
		go func() {
			defer b.untrack(conn)
			handle(ctx, conn)
		}()
	}
}

func (b *Broker) track(conn net.Conn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	b.conns[conn] = struct{}{}
}

func (b *Broker) untrack(conn net.Conn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	delete(b.conns, conn)
}

func (b *Broker) closeAll() {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	for conn := range b.conns {
		conn.Close()
	}
}

// Stats returns the number of free slots and parked waiters of pair.
func (b *Broker) Stats(pair domain.Pair) (free, waiting int) {
	bk := b.state.bucket(pair)
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return len(bk.free), len(bk.waiters)
}

// reject writes a coded rejection and closes the socket.
func (b *Broker) reject(conn net.Conn, codec *protocol.Codec, service, event string, err error) {
	rej := protocol.RejectionOf(err)
	b.metrics.RecordRejection(service, rej.Code)
	b.logger.Warn("socket rejected",
		"service", service,
		"remote", conn.RemoteAddr().String(),
		"code", rej.Code,
		"error", err,
	)
	if serr := codec.Send(event, rej); serr != nil {
		b.logger.Debug("write rejection", "service", service, "error", serr)
	}
	conn.Close()
}

// readFirst reads the opening frame of a socket within the handshake
// timeout.
func (b *Broker) readFirst(conn net.Conn, codec *protocol.Codec, v any) error {
	if err := conn.SetReadDeadline(time.Now().Add(b.handshake)); err != nil {
		return err
	}
	if err := codec.ReadJSON(v); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.TimeoutError(domain.CodeRequestTimeout, "no descriptor within handshake timeout")
		}
		return err
	}
	return conn.SetReadDeadline(time.Time{})
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
