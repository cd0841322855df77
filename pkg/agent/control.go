package agent

import (
	"context"
	"errors"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// handler receives the control events of the agent's session.
type handler Agent

func (h *handler) agent() *Agent { return (*Agent)(h) }

func (h *handler) Authenticated(ctx context.Context, result protocol.AuthResult) {
	a := h.agent()
	sessCtx, end := context.WithCancel(ctx)
	a.mu.Lock()
	if a.end != nil {
		a.end()
	}
	a.session, a.end = sessCtx, end
	a.mu.Unlock()

	for _, peer := range result.AvailableServers {
		a.peerOnline(peer)
	}
	for _, app := range a.ownApps() {
		if err := a.client.Send(protocol.EventAppServerRelease, protocol.AppEvent{Application: app}); err != nil {
			a.logger.Warn("announce application", "application", app.Name, "error", err)
		}
		a.offers.ensure(sessCtx, app.Name, 1, "startup")
	}
}

func (h *handler) HandleEvent(_ context.Context, env protocol.Envelope) {
	a := h.agent()
	ctx := a.sessionContext()
	if ctx == nil {
		return
	}

	var err error
	switch env.EventName {
	case protocol.EventRemoteServerOpen:
		var ev protocol.ServerEvent
		if err = env.Arg(0, &ev); err == nil {
			a.peerOnline(ev.Server)
		}
	case protocol.EventRemoteServerClosed:
		var ev protocol.ServerEvent
		if err = env.Arg(0, &ev); err == nil {
			a.peerOffline(ev.Server)
		}
	case protocol.EventAppServerRelease:
		var ev protocol.AppEvent
		if err = env.Arg(0, &ev); err == nil && ev.Server != "" && ev.Application.Name != "" {
			a.catalog.set(ev.Server, ev.Application)
			a.logger.Debug("remote application released", "server", ev.Server, "application", ev.Application.Name)
		}
	case protocol.EventAppServerClosed:
		var ev protocol.AppClosed
		if err = env.Arg(0, &ev); err == nil {
			a.catalog.remove(domain.Pair{Server: ev.Server, Application: ev.App})
			a.logger.Debug("remote application closed", "server", ev.Server, "application", ev.App)
		}
	case protocol.EventBusy:
		var ev protocol.BusyEvent
		if err = env.Arg(0, &ev); err == nil {
			a.offers.consumed(ev.App, ev.SlotID)
			if _, ok := a.ownApp(ev.App); ok {
				a.offers.ensure(ctx, ev.App, 1, "busy")
			}
		}
	case protocol.EventNeedGetaway:
		var ev protocol.NeedGetaway
		if err = env.Arg(0, &ev); err == nil {
			if _, ok := a.ownApp(ev.App); ok {
				a.offers.add(ctx, ev.App, "need")
			}
		}
	default:
		a.logger.Debug("ignoring control event", "event", env.EventName)
	}
	if err != nil {
		a.logger.Warn("bad control event", "event", env.EventName, "error", err)
	}
}

func (h *handler) Disconnected(err error) {
	a := h.agent()
	a.mu.Lock()
	if a.end != nil {
		a.end()
	}
	a.session, a.end = nil, nil
	peers := a.peers
	a.peers = make(map[string]struct{})
	a.mu.Unlock()

	for peer := range peers {
		a.resolver.RemoveServer(peer)
	}
	a.catalog.reset()
	for _, app := range a.ownApps() {
		a.offers.close(app.Name)
	}
	a.logger.Info("control session ended", "peers", len(peers), "error", err)
}

// peerOnline makes peer resolvable. Repeated announcements are ignored.
func (a *Agent) peerOnline(peer string) {
	if peer == "" || peer == a.cfg.ID {
		return
	}
	a.mu.Lock()
	_, known := a.peers[peer]
	a.peers[peer] = struct{}{}
	a.mu.Unlock()
	if !known {
		a.resolver.AddServer(peer)
		a.logger.Info("peer online", "server", peer)
	}
}

func (a *Agent) peerOffline(peer string) {
	a.mu.Lock()
	_, known := a.peers[peer]
	delete(a.peers, peer)
	a.mu.Unlock()
	a.catalog.dropServer(peer)
	if known {
		a.resolver.RemoveServer(peer)
		a.logger.Info("peer offline", "server", peer)
	}
}

// ReleaseApplication hosts app, or updates its grants, and announces it to
// the broker.
func (a *Agent) ReleaseApplication(app domain.Application) error {
	if app.Name == "" {
		return errors.New("application name is required")
	}
	app = app.Clone()
	a.mu.Lock()
	a.apps[app.Name] = app
	ctx := a.session
	a.mu.Unlock()

	if ctx == nil {
		return nil
	}
	if err := a.client.Send(protocol.EventAppServerRelease, protocol.AppEvent{Application: app}); err != nil {
		return err
	}
	a.offers.ensure(ctx, app.Name, 1, "release")
	return nil
}

// CloseApplication stops hosting name and withdraws its offers.
func (a *Agent) CloseApplication(name string) error {
	a.mu.Lock()
	_, ok := a.apps[name]
	delete(a.apps, name)
	ctx := a.session
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.offers.close(name)
	if ctx == nil {
		return nil
	}
	return a.client.Send(protocol.EventAppServerClosed, protocol.AppClosed{App: name})
}
