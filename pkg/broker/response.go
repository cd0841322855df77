package broker

import (
	"context"
	"net"
	"slices"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

func (b *Broker) serveResponse(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	var desc protocol.OfferDescriptor
	if err := b.readFirst(conn, codec, &desc); err != nil {
		b.reject(conn, codec, "response", protocol.EventRejected, err)
		return
	}

	spanCtx, span := telemetry.StartSpan(ctx, "broker.offer", desc.Pair())
	sess, err := b.admitOffer(desc)
	telemetry.EndSpan(span, err)
	if err != nil {
		b.reject(conn, codec, "response", protocol.EventRejected, err)
		return
	}

	app, known := b.state.app(desc.Server, desc.App)
	if !known || !slices.Equal(app.Grants, desc.Grants) {
		app.Name = desc.App
		app.Grants = slices.Clone(desc.Grants)
		b.releaseApp(spanCtx, sess, app)
	}

	if err := codec.Send(protocol.EventAccepted); err != nil {
		return
	}

	s := &slot{
		id:      desc.SlotID,
		owner:   sess.ID,
		referer: sess.Referer,
		conn:    anchor.Capture(conn, codec.Reader(), &b.seq),
		codec:   codec,
	}
	b.release(ctx, desc.Pair(), s)
	<-s.conn.Done()
}

// admitOffer checks that a live session offers a getaway for itself.
func (b *Broker) admitOffer(desc protocol.OfferDescriptor) (*session.Session, error) {
	if field := desc.Missing(); field != "" {
		return nil, domain.AuthError(domain.CodeMissingField, field+" is required")
	}
	sess, err := b.sessions.Validate(desc.Identity(), desc.Origin)
	if err != nil {
		return nil, err
	}
	if desc.Server != sess.ID {
		return nil, domain.PermissionError(domain.CodePermissionDenied, sess.ID+" cannot offer for "+desc.Server)
	}
	return sess, nil
}
