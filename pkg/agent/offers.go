package agent

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// offers keeps getaways of the agent's own applications parked at the
// broker's Response service. An offer counts as outstanding from dial
// until the broker anchors it or it closes.
type offers struct {
	a *Agent

	mu          sync.Mutex
	outstanding map[string]map[string]net.Conn // app -> slot id -> socket, nil while dialing
}

func newOffers(a *Agent) *offers {
	return &offers{a: a, outstanding: make(map[string]map[string]net.Conn)}
}

// ensure opens offers for app until at least n are outstanding.
func (o *offers) ensure(ctx context.Context, app string, n int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.outstanding[app]) < n {
		o.openLocked(ctx, app, reason)
	}
}

// add opens one more offer for app unless the cap is reached.
func (o *offers) add(ctx context.Context, app string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outstanding[app]) >= o.a.cfg.MaxOffers {
		o.a.logger.Debug("offer cap reached", "application", app, "max_offers", o.a.cfg.MaxOffers)
		return
	}
	o.openLocked(ctx, app, reason)
}

func (o *offers) openLocked(ctx context.Context, app, reason string) {
	slots, ok := o.outstanding[app]
	if !ok {
		slots = make(map[string]net.Conn)
		o.outstanding[app] = slots
	}
	slotID := uuid.NewString()
	slots[slotID] = nil
	o.a.metrics.RecordGetawayOpened("offer_" + reason)
	go o.run(ctx, app, slotID)
}

// consumed forgets slotID. It reports whether the slot was still counted.
func (o *offers) consumed(app, slotID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	slots := o.outstanding[app]
	if _, ok := slots[slotID]; !ok {
		return false
	}
	delete(slots, slotID)
	if len(slots) == 0 {
		delete(o.outstanding, app)
	}
	return true
}

// attach records the socket of a slot still outstanding.
func (o *offers) attach(app, slotID string, conn net.Conn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	slots := o.outstanding[app]
	if _, ok := slots[slotID]; !ok {
		return false
	}
	slots[slotID] = conn
	return true
}

// close drops every outstanding offer of app.
func (o *offers) close(app string) {
	o.mu.Lock()
	slots := o.outstanding[app]
	delete(o.outstanding, app)
	o.mu.Unlock()
	for _, conn := range slots {
		if conn != nil {
			conn.Close()
		}
	}
}

// count returns the number of outstanding offers of app.
func (o *offers) count(app string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outstanding[app])
}

// run offers one getaway and serves it once the broker anchors it.
func (o *offers) run(ctx context.Context, name, slotID string) {
	a := o.a
	app, ok := a.ownApp(name)
	if !ok {
		o.consumed(name, slotID)
		return
	}
	pair := domain.Pair{Server: a.cfg.ID, Application: name}

	spanCtx, span := telemetry.StartSpan(ctx, "agent.offer", pair)
	conn, codec, err := a.dialOffer(spanCtx, app, slotID)
	telemetry.EndSpan(span, err)
	if err != nil {
		o.consumed(name, slotID)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("getaway offer failed", "application", name, "slot_id", slotID, "error", err)
		o.retry(ctx, name)
		return
	}
	if !o.attach(name, slotID, conn) {
		conn.Close()
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	env, err := codec.ReadEnvelope()
	stop()
	if err != nil || env.EventName != protocol.EventAnchored {
		conn.Close()
		if o.consumed(name, slotID) && ctx.Err() == nil {
			a.logger.Debug("offered getaway closed", "application", name, "slot_id", slotID, "error", err)
			o.retry(ctx, name)
		}
		return
	}
	o.consumed(name, slotID)

	var ev protocol.ServerEvent
	if err := env.Arg(0, &ev); err != nil {
		a.logger.Warn("bad anchored notice", "application", name, "slot_id", slotID, "error", err)
	}

	target := anchor.Capture(conn, codec.Reader(), &a.seq)
	local, err := a.dial(ctx, "tcp", net.JoinHostPort(app.Address, strconv.Itoa(app.Port)))
	if err != nil {
		a.logger.Warn("local application unreachable", "application", name, "origin", ev.Server, "error", err)
		target.Close()
		return
	}
	a.logger.Debug("offered getaway anchored", "application", name, "slot_id", slotID, "origin", ev.Server)
	a.join(pair, "target", target, anchor.Capture(local, local, &a.seq), conn)
}

// retry re-offers after the restore delay when app has no offer left.
func (o *offers) retry(ctx context.Context, app string) {
	timer := time.NewTimer(o.a.cfg.RestoreDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if _, ok := o.a.ownApp(app); !ok {
		return
	}
	o.ensure(ctx, app, 1, "restore")
}
