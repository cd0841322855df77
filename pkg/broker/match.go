package broker

import (
	"context"
	"slices"
	"time"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/audit"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// request matches w with the oldest free slot of pair, or parks it and
// asks the owning agent for a getaway.
func (b *Broker) request(ctx context.Context, pair domain.Pair, w *waiter) {
	bk := b.state.bucket(pair)
	bk.mu.Lock()
	s, dropped := bk.popSlot()
	if s == nil {
		bk.waiters = append(bk.waiters, w)
	}
	bk.mu.Unlock()
	b.metrics.AddFreeSlots(-dropped)

	if s != nil {
		b.metrics.AddFreeSlots(-1)
		b.join(ctx, pair, w, s, "immediate")
		return
	}

	b.metrics.AddWaiters(1)
	b.logger.Debug("requester parked", "server", pair.Server, "application", pair.Application, "request_id", w.id)
	if owner := b.sessions.Lookup(pair.Server); owner != nil {
		if err := owner.Send(protocol.EventNeedGetaway, protocol.NeedGetaway{App: pair.Application}); err != nil {
			b.logger.Debug("signal needGetaway", "agent_id", owner.ID, "error", err)
		}
	}

	go func() {
		<-w.conn.Done()
		bk.mu.Lock()
		removed := bk.removeWaiter(w)
		bk.mu.Unlock()
		if removed {
			b.metrics.AddWaiters(-1)
			b.logger.Debug("parked requester closed", "server", pair.Server, "application", pair.Application, "request_id", w.id)
		}
	}()
}

// release hands s to the oldest parked waiter of pair or keeps it free.
func (b *Broker) release(ctx context.Context, pair domain.Pair, s *slot) {
	bk := b.state.bucket(pair)
	bk.mu.Lock()
	w, dropped := bk.popWaiter()
	if w == nil {
		bk.free = append(bk.free, s)
	}
	bk.mu.Unlock()
	b.metrics.AddWaiters(-dropped)

	if w != nil {
		b.metrics.AddWaiters(-1)
		b.join(ctx, pair, w, s, "parked")
		return
	}

	b.metrics.AddFreeSlots(1)
	go func() {
		<-s.conn.Done()
		bk.mu.Lock()
		removed := bk.removeSlot(s)
		bk.mu.Unlock()
		if removed {
			b.metrics.AddFreeSlots(-1)
			b.logger.Debug("free slot closed", "server", pair.Server, "application", pair.Application, "slot_id", s.id)
		}
	}()
}

// join tells the slot's agent it is anchored, then anchors the pair. A slot
// that cannot take the notice is dropped and the waiter goes back through
// request.
func (b *Broker) join(ctx context.Context, pair domain.Pair, w *waiter, s *slot, path string) {
	if err := s.codec.Send(protocol.EventAnchored, protocol.ServerEvent{Server: w.origin}); err != nil {
		b.logger.Warn("offered getaway lost before anchoring", "slot_id", s.id, "error", err)
		s.conn.Close()
		b.request(ctx, pair, w)
		return
	}

	start := time.Now()
	link := anchor.Anchor(pair.String(), "broker", w.conn, s.conn)
	b.metrics.RecordMatch(path)
	b.metrics.RecordAnchor("broker")
	b.logger.Info("anchored",
		"server", pair.Server,
		"application", pair.Application,
		"origin", w.origin,
		"request_id", w.id,
		"slot_id", s.id,
		"path", path,
	)
	b.audit.Record(ctx, audit.Event{Kind: audit.KindAnchored, Agent: pair.Server, Origin: w.origin, Application: pair.Application})

	if owner := b.sessions.Lookup(s.owner); owner != nil && owner.Referer == s.referer {
		if err := owner.Send(protocol.EventBusy, protocol.BusyEvent{App: pair.Application, SlotID: s.id}); err != nil {
			b.logger.Debug("signal busy", "agent_id", owner.ID, "error", err)
		}
	}

	go func() {
		<-link.Done()
		b.metrics.RecordAnchorClosed("broker", time.Since(start), w.conn.Relayed(), s.conn.Relayed())
	}()
}

// closeSlots closes the free slots offered by the session with referer.
// With apps given only those applications are affected.
func (b *Broker) closeSlots(server, referer string, apps ...string) {
	for pair, bk := range b.state.bucketsOf(server) {
		if len(apps) > 0 && !slices.Contains(apps, pair.Application) {
			continue
		}
		bk.mu.Lock()
		var victims []*slot
		kept := bk.free[:0]
		for _, s := range bk.free {
			if s.referer == referer {
				victims = append(victims, s)
				continue
			}
			kept = append(kept, s)
		}
		clear(bk.free[len(kept):])
		bk.free = kept
		bk.mu.Unlock()

		b.metrics.AddFreeSlots(-len(victims))
		for _, s := range victims {
			s.conn.Close()
		}
	}
}

// closeWaiters closes requesters parked on an agent that went offline.
func (b *Broker) closeWaiters(server string) {
	for _, bk := range b.state.bucketsOf(server) {
		bk.mu.Lock()
		victims := bk.waiters
		bk.waiters = nil
		bk.mu.Unlock()

		b.metrics.AddWaiters(-len(victims))
		for _, w := range victims {
			w.conn.Close()
		}
	}
}
