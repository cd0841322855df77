package broker

import (
	"context"
	"net"

	"github.com/polisai/polis-relay/pkg/audit"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// control adapts a codec and its socket to session.Control.
type control struct {
	codec *protocol.Codec
	conn  net.Conn
}

func (c *control) Send(event string, args ...any) error {
	return c.codec.Send(event, args...)
}

func (c *control) Close() error {
	return c.conn.Close()
}

func (b *Broker) serveAuth(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	if !b.limiter.Allow(remoteHost(conn)) {
		b.reject(conn, codec, "auth", protocol.EventAuthFailed,
			domain.AuthError(domain.CodeRateLimited, "too many handshakes"))
		return
	}

	var env protocol.Envelope
	if err := b.readFirst(conn, codec, &env); err != nil {
		b.reject(conn, codec, "auth", protocol.EventAuthFailed, err)
		return
	}
	if env.EventName != protocol.EventAuth {
		b.reject(conn, codec, "auth", protocol.EventAuthFailed,
			domain.ProtocolError("expected auth, got "+env.EventName, nil))
		return
	}
	var req protocol.AuthRequest
	if err := env.Arg(0, &req); err != nil {
		b.reject(conn, codec, "auth", protocol.EventAuthFailed, err)
		return
	}

	spanCtx, span := telemetry.StartSpan(ctx, "broker.auth", domain.Pair{Server: req.Agent})
	sess, err := b.sessions.Authenticate(spanCtx, req, &control{codec: codec, conn: conn})
	telemetry.EndSpan(span, err)
	if err != nil {
		b.reject(conn, codec, "auth", protocol.EventAuthFailed, err)
		return
	}

	result := protocol.AuthResult{
		ID:               sess.ID,
		Referer:          sess.Referer,
		AvailableServers: b.sessions.Available(sess),
	}
	if err := sess.Send(protocol.EventAuthResult, result); err != nil {
		b.logger.Warn("write auth result", "agent_id", sess.ID, "error", err)
	}

	b.online(ctx, sess)
	defer b.offline(ctx, sess)
	b.controlLoop(ctx, sess, codec)
}

func (b *Broker) controlLoop(ctx context.Context, sess *session.Session, codec *protocol.Codec) {
	for {
		env, err := codec.ReadEnvelope()
		if domain.IsProtocol(err) {
			b.logger.Warn("dropping malformed control frame", "agent_id", sess.ID, "error", err)
			continue
		}
		if err != nil {
			b.logger.Debug("control connection closed", "agent_id", sess.ID, "error", err)
			return
		}

		switch env.EventName {
		case protocol.EventIsAlive:
			var p protocol.Probe
			if err := env.Arg(0, &p); err != nil {
				b.logger.Warn("bad isAlive echo", "agent_id", sess.ID, "error", err)
				continue
			}
			if !sess.Echo(p) {
				b.logger.Debug("ignoring stale isAlive echo", "agent_id", sess.ID)
			}
		case protocol.EventAppServerRelease:
			var ev protocol.AppEvent
			if err := env.Arg(0, &ev); err != nil || ev.Application.Name == "" {
				b.logger.Warn("bad appServerRelease", "agent_id", sess.ID, "error", err)
				continue
			}
			b.releaseApp(ctx, sess, ev.Application)
		case protocol.EventAppServerClosed:
			var ev protocol.AppClosed
			if err := env.Arg(0, &ev); err != nil || ev.App == "" {
				b.logger.Warn("bad appServerClosed", "agent_id", sess.ID, "error", err)
				continue
			}
			b.closeApp(ctx, sess, ev.App)
		default:
			b.logger.Debug("ignoring control event", "agent_id", sess.ID, "event", env.EventName)
		}
	}
}

// online announces sess to the peers watching it and hands sess the
// applications it may reach.
func (b *Broker) online(ctx context.Context, sess *session.Session) {
	for _, peer := range b.sessions.Watchers(sess) {
		if err := peer.Send(protocol.EventRemoteServerOpen, protocol.ServerEvent{Server: sess.ID}); err != nil {
			b.logger.Debug("notify peer", "agent_id", peer.ID, "error", err)
		}
	}
	for _, peerID := range b.sessions.Available(sess) {
		for _, app := range b.state.appsOf(peerID) {
			if !app.Permits(sess.ID) {
				continue
			}
			if err := sess.Send(protocol.EventAppServerRelease, protocol.AppEvent{Server: peerID, Application: app}); err != nil {
				b.logger.Debug("send catalog", "agent_id", sess.ID, "error", err)
			}
		}
	}
	b.audit.Record(ctx, audit.Event{Kind: audit.KindAgentOnline, Agent: sess.ID})
}

// offline tears down what sess left behind. When sess was replaced by a
// newer session only its own slots go away.
func (b *Broker) offline(ctx context.Context, sess *session.Session) {
	removed := b.sessions.Remove(sess)
	b.closeSlots(sess.ID, sess.Referer)

	if !removed {
		b.logger.Info("agent session replaced", "agent_id", sess.ID)
		b.audit.Record(ctx, audit.Event{Kind: audit.KindAgentEvicted, Agent: sess.ID})
		return
	}

	b.closeWaiters(sess.ID)
	b.state.dropApps(sess.ID)
	for _, peer := range b.sessions.Watchers(sess) {
		if err := peer.Send(protocol.EventRemoteServerClosed, protocol.ServerEvent{Server: sess.ID}); err != nil {
			b.logger.Debug("notify peer", "agent_id", peer.ID, "error", err)
		}
	}
	b.logger.Info("agent offline", "agent_id", sess.ID)
	b.audit.Record(ctx, audit.Event{Kind: audit.KindAgentOffline, Agent: sess.ID})
}

// releaseApp stores app for sess and relays it to permitted watchers. A
// watcher that lost its grant is told the application closed.
func (b *Broker) releaseApp(ctx context.Context, sess *session.Session, app domain.Application) {
	prev, existed := b.state.setApp(sess.ID, app)
	for _, peer := range b.sessions.Watchers(sess) {
		var err error
		switch {
		case app.Permits(peer.ID):
			err = peer.Send(protocol.EventAppServerRelease, protocol.AppEvent{Server: sess.ID, Application: app})
		case existed && prev.Permits(peer.ID):
			err = peer.Send(protocol.EventAppServerClosed, protocol.AppClosed{Server: sess.ID, App: app.Name})
		}
		if err != nil {
			b.logger.Debug("relay application", "agent_id", peer.ID, "error", err)
		}
	}
	b.logger.Info("application released", "agent_id", sess.ID, "application", app.Name, "grants", app.Grants)
	b.audit.Record(ctx, audit.Event{Kind: audit.KindGrantChanged, Agent: sess.ID, Application: app.Name, Grants: app.Grants})
}

func (b *Broker) closeApp(ctx context.Context, sess *session.Session, name string) {
	prev, ok := b.state.removeApp(sess.ID, name)
	if !ok {
		return
	}
	for _, peer := range b.sessions.Watchers(sess) {
		if !prev.Permits(peer.ID) {
			continue
		}
		if err := peer.Send(protocol.EventAppServerClosed, protocol.AppClosed{Server: sess.ID, App: name}); err != nil {
			b.logger.Debug("relay application close", "agent_id", peer.ID, "error", err)
		}
	}
	b.closeSlots(sess.ID, sess.Referer, name)
	b.audit.Record(ctx, audit.Event{Kind: audit.KindAppClosed, Agent: sess.ID, Application: name})
}
