// Package agent runs the relay agent: it keeps the control session with the
// broker, accepts clients on the anchor listeners, and offers getaways for
// the applications it hosts.
//
// A client connecting to a synthetic address is routed by the resolver
// binding of that address. Clients of the agent's own applications are
// dialed directly when direct connect is enabled; every other client is
// anchored to a getaway from the pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/getaway"
	"github.com/polisai/polis-relay/pkg/resolver"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// DialFunc opens outbound sockets to the broker and to local applications.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configure an Agent.
type Options struct {
	Config   *config.AgentConfig
	Resolver *resolver.Resolver
	Dial     DialFunc
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Agent is one relay agent process.
type Agent struct {
	cfg      *config.AgentConfig
	resolver *resolver.Resolver
	dial     DialFunc
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	seq     anchor.Sequencer
	client  *session.Client
	pool    *getaway.Pool
	offers  *offers
	catalog *catalog

	mu      sync.RWMutex
	apps    map[string]domain.Application
	peers   map[string]struct{}
	session context.Context
	end     context.CancelFunc

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New creates an agent from a validated configuration.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: configuration is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("agent: resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	cfg := opts.Config

	a := &Agent{
		cfg:      cfg,
		resolver: opts.Resolver,
		dial:     opts.Dial,
		logger:   opts.Logger.With("agent_id", cfg.ID),
		metrics:  opts.Metrics,
		catalog:  newCatalog(),
		apps:     make(map[string]domain.Application, len(cfg.Applications)),
		peers:    make(map[string]struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, app := range cfg.Applications {
		a.apps[app.Name] = app.Application()
	}
	a.offers = newOffers(a)
	a.pool = getaway.New(getaway.Options{
		Dial:         a.dialRedirect,
		Settings:     a.catalog.settings,
		Sequencer:    &a.seq,
		RestoreDelay: cfg.RestoreDelay,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	a.client = session.NewClient(session.ClientOptions{
		Address: cfg.Broker.Auth,
		Agent:   cfg.ID,
		Token:   cfg.Token,
		Machine: cfg.Machine,
		Servers: cfg.Servers,
		Backoff: cfg.Backoff,
		Dial:    opts.Dial,
		Handler: (*handler)(a),
		Logger:  a.logger,
	})

	// The agent's own domains resolve even while the broker is away.
	a.resolver.AddServer(cfg.ID)
	return a, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Status returns the state of the control session.
func (a *Agent) Status() domain.SessionStatus {
	return a.client.Status()
}

// Run opens the anchor listeners and serves until ctx ends or the broker
// rejects the agent for good.
func (a *Agent) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, len(a.cfg.Anchor.Ports))
	for _, port := range a.cfg.Anchor.Ports {
		addr := net.JoinHostPort(a.cfg.Anchor.Address, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		a.logger.Info("anchor listening", "address", ln.Addr().String())
		listeners = append(listeners, ln)
	}
	return a.Serve(ctx, listeners...)
}

// Serve runs the control session and accepts clients on listeners until ctx
// ends. Every listener and open socket is closed on return.
func (a *Agent) Serve(ctx context.Context, listeners ...net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.client.Run(gctx); err != nil {
			return fmt.Errorf("control session: %w", err)
		}
		return nil
	})
	for _, ln := range listeners {
		g.Go(func() error { return a.acceptLoop(gctx, ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		a.pool.Close()
		a.closeAll()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("anchor accept: %w", err)
		}
		a.track(conn)
		go func() {
			defer a.untrack(conn)
			a.serveClient(ctx, conn)
		}()
	}
}

func (a *Agent) track(conn net.Conn) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	a.conns[conn] = struct{}{}
}

func (a *Agent) untrack(conn net.Conn) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	delete(a.conns, conn)
}

func (a *Agent) closeAll() {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	for conn := range a.conns {
		conn.Close()
	}
}

// ownApp returns a hosted application by name.
func (a *Agent) ownApp(name string) (domain.Application, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	app, ok := a.apps[name]
	return app, ok
}

func (a *Agent) ownApps() []domain.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.Application, 0, len(a.apps))
	for _, app := range a.apps {
		out = append(out, app.Clone())
	}
	slices.SortFunc(out, func(x, y domain.Application) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// sessionContext returns the context of the live control session, or nil
// while disconnected.
func (a *Agent) sessionContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}
