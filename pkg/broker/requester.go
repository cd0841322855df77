package broker

import (
	"context"
	"net"

	"github.com/google/uuid"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/grant"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

func (b *Broker) serveRequester(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	var desc protocol.RedirectDescriptor
	if err := b.readFirst(conn, codec, &desc); err != nil {
		b.reject(conn, codec, "requester", protocol.EventRejected, err)
		return
	}

	spanCtx, span := telemetry.StartSpan(ctx, "broker.redirect", desc.Pair())
	err := b.admitRedirect(spanCtx, desc)
	telemetry.EndSpan(span, err)
	if err != nil {
		b.reject(conn, codec, "requester", protocol.EventRejected, err)
		return
	}
	if err := codec.Send(protocol.EventAccepted); err != nil {
		return
	}

	w := &waiter{
		id:     uuid.NewString(),
		origin: desc.Origin,
		conn:   anchor.Capture(conn, codec.Reader(), &b.seq),
	}
	b.request(ctx, desc.Pair(), w)
	<-w.conn.Done()
}

// admitRedirect checks the presenting session, the target and its grants.
func (b *Broker) admitRedirect(ctx context.Context, desc protocol.RedirectDescriptor) error {
	if field := desc.Missing(); field != "" {
		return domain.AuthError(domain.CodeMissingField, field+" is required")
	}
	if _, err := b.sessions.Validate(desc.Identity(), desc.Origin); err != nil {
		return err
	}
	if b.sessions.Lookup(desc.Server) == nil {
		return domain.ResolutionError(domain.CodeServerOffline, desc.Server+" is offline")
	}
	app, ok := b.state.app(desc.Server, desc.App)
	if !ok {
		return domain.ResolutionError(domain.CodeUnknownApplication, desc.Pair().String()+" is not released")
	}

	allowed, err := b.policy.Allow(ctx, grant.Request{
		Origin:      desc.Origin,
		Server:      desc.Server,
		Application: desc.App,
		Grants:      app.Grants,
	})
	if err != nil {
		b.logger.Error("grant policy failed", "server", desc.Server, "application", desc.App, "error", err)
		return domain.PermissionError(domain.CodePermissionDenied, "grant decision failed")
	}
	if !allowed {
		return domain.PermissionError(domain.CodePermissionDenied, desc.Origin+" may not reach "+desc.Pair().String())
	}
	return nil
}
