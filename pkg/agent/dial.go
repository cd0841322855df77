package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/session"
)

// handshakeTimeout bounds the wait for the broker's answer to a descriptor.
const handshakeTimeout = 10 * time.Second

// redirect builds the descriptor presenting the live session.
func (a *Agent) redirect(pair domain.Pair) (protocol.RedirectDescriptor, error) {
	id, ok := a.client.Identity()
	if !ok {
		return protocol.RedirectDescriptor{}, session.ErrNotConnected
	}
	return protocol.RedirectDescriptor{
		Server:      pair.Server,
		App:         pair.Application,
		AuthReferer: id.Referer,
		AuthID:      id.ID,
		Origin:      id.ID,
		Machine:     id.Machine,
	}, nil
}

// dialRedirect opens a requester socket for pair. It is the pool's dialer.
func (a *Agent) dialRedirect(ctx context.Context, pair domain.Pair, connected func()) (net.Conn, io.Reader, error) {
	desc, err := a.redirect(pair)
	if err != nil {
		return nil, nil, err
	}
	conn, codec, err := a.handshake(ctx, a.cfg.Broker.Requester, desc, connected)
	if err != nil {
		return nil, nil, err
	}
	return conn, codec.Reader(), nil
}

// dialOffer opens a Response socket offering slotID for app.
func (a *Agent) dialOffer(ctx context.Context, app domain.Application, slotID string) (net.Conn, *protocol.Codec, error) {
	desc, err := a.redirect(domain.Pair{Server: a.cfg.ID, Application: app.Name})
	if err != nil {
		return nil, nil, err
	}
	grants := app.Grants
	if grants == nil {
		grants = []string{}
	}
	return a.handshake(ctx, a.cfg.Broker.Response, protocol.OfferDescriptor{
		RedirectDescriptor: desc,
		Grants:             grants,
		SlotID:             slotID,
	}, nil)
}

// handshake sends desc as the first frame on a fresh broker socket and
// waits for accepted. A rejection is returned as the relay error it carries.
// connected, if set, runs once the socket is open.
func (a *Agent) handshake(ctx context.Context, addr string, desc any, connected func()) (net.Conn, *protocol.Codec, error) {
	conn, err := a.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}
	if connected != nil {
		connected()
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	codec := protocol.NewCodec(conn)
	env, err := exchange(conn, codec, desc)
	if !stop() {
		conn.Close()
		return nil, nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	switch env.EventName {
	case protocol.EventAccepted:
		return conn, codec, nil
	case protocol.EventRejected:
		conn.Close()
		var rej protocol.Rejection
		if err := env.Arg(0, &rej); err != nil {
			return nil, nil, err
		}
		return nil, nil, rej.Err()
	default:
		conn.Close()
		return nil, nil, domain.ProtocolError("unexpected "+env.EventName+" during handshake", nil)
	}
}

func exchange(conn net.Conn, codec *protocol.Codec, desc any) (protocol.Envelope, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return protocol.Envelope{}, err
	}
	if err := codec.WriteJSON(desc); err != nil {
		return protocol.Envelope{}, fmt.Errorf("send descriptor: %w", err)
	}
	env, err := codec.ReadEnvelope()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return env, domain.TimeoutError(domain.CodeRequestTimeout, "broker did not answer the descriptor")
		}
		return env, err
	}
	return env, conn.SetDeadline(time.Time{})
}
