package agent

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// serveClient routes a socket accepted on an anchor listener by the
// binding of the address it was sent to.
func (a *Agent) serveClient(ctx context.Context, conn net.Conn) {
	binding, err := a.route(conn)
	if err != nil {
		a.metrics.RecordRejection("anchor", domain.CodeOf(err))
		a.logger.Warn("client rejected",
			"local", conn.LocalAddr().String(),
			"remote", conn.RemoteAddr().String(),
			"code", domain.CodeOf(err),
			"error", err,
		)
		conn.Close()
		return
	}
	pair := binding.Pair()
	client := anchor.Capture(conn, conn, &a.seq)

	if pair.Server == a.cfg.ID && a.cfg.DirectConnect {
		a.direct(ctx, pair, client)
		return
	}

	requestID := uuid.NewString()
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	// A client that hangs up stops waiting for a getaway.
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-reqCtx.Done():
		}
	}()
	spanCtx, span := telemetry.StartSpan(reqCtx, "agent.forward", pair)
	g, err := a.pool.Acquire(spanCtx, pair, requestID)
	telemetry.EndSpan(span, err)
	cancel()
	if err != nil && client.Closed() {
		a.logger.Debug("client left before a getaway was ready",
			"server", pair.Server,
			"application", pair.Application,
			"request_id", requestID,
		)
		return
	}
	if err != nil {
		a.metrics.RecordRejection("anchor", domain.CodeOf(err))
		a.logger.Warn("no getaway for client",
			"server", pair.Server,
			"application", pair.Application,
			"request_id", requestID,
			"error", err,
		)
		client.Close()
		return
	}

	a.logger.Debug("client anchored",
		"server", pair.Server,
		"application", pair.Application,
		"request_id", requestID,
		"getaway_id", g.ID,
	)
	a.join(pair, "origin", client, g.Conn())
}

// route finds the target of conn and checks that it can be reached.
func (a *Agent) route(conn net.Conn) (domain.ResolvedDomain, error) {
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return domain.ResolvedDomain{}, domain.ResolutionError(domain.CodeUnknownDomain, "unroutable local address "+conn.LocalAddr().String())
	}
	binding, ok := a.resolver.Resolved(local.Addr())
	if !ok {
		return binding, domain.ResolutionError(domain.CodeUnknownDomain, "no binding for "+local.Addr().String())
	}
	if !binding.Pair().Valid() {
		return binding, domain.ResolutionError(domain.CodeUnknownDomain, binding.DomainName+" names no application")
	}

	if binding.Server == a.cfg.ID {
		if _, ok := a.ownApp(binding.Application); !ok {
			return binding, domain.ResolutionError(domain.CodeUnknownApplication, binding.DomainName+" is not hosted here")
		}
		return binding, nil
	}
	if _, ok := a.catalog.lookup(binding.Pair()); !ok {
		return binding, domain.ResolutionError(domain.CodeUnknownApplication, binding.DomainName+" is not released to "+a.cfg.ID)
	}
	return binding, nil
}

// direct connects a client straight to a hosted application.
func (a *Agent) direct(ctx context.Context, pair domain.Pair, client *anchor.Conn) {
	app, ok := a.ownApp(pair.Application)
	if !ok {
		client.Close()
		return
	}
	conn, err := a.dial(ctx, "tcp", net.JoinHostPort(app.Address, strconv.Itoa(app.Port)))
	if err != nil {
		a.logger.Warn("local application unreachable", "application", app.Name, "error", err)
		client.Close()
		return
	}
	a.join(pair, "direct", client, anchor.Capture(conn, conn, &a.seq), conn)
}

// join anchors left to right and blocks until the stream ends. Sockets in
// tracked are closed on shutdown.
func (a *Agent) join(pair domain.Pair, point string, left, right *anchor.Conn, tracked ...net.Conn) {
	for _, conn := range tracked {
		a.track(conn)
	}
	defer func() {
		for _, conn := range tracked {
			a.untrack(conn)
		}
	}()

	start := time.Now()
	link := anchor.Anchor(pair.String(), point, left, right)
	a.metrics.RecordAnchor(point)
	<-link.Done()
	a.metrics.RecordAnchorClosed(point, time.Since(start), left.Relayed(), right.Relayed())
}
