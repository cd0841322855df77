package agent

import (
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/getaway"
)

// catalog holds the applications peers released to this agent.
type catalog struct {
	mu   sync.RWMutex
	apps map[domain.Pair]domain.Application
}

func newCatalog() *catalog {
	return &catalog{apps: make(map[domain.Pair]domain.Application)}
}

func (c *catalog) set(server string, app domain.Application) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[domain.Pair{Server: server, Application: app.Name}] = app.Clone()
}

func (c *catalog) remove(pair domain.Pair) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.apps[pair]
	delete(c.apps, pair)
	return ok
}

// dropServer forgets every application of server.
func (c *catalog) dropServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pair := range c.apps {
		if pair.Server == server {
			delete(c.apps, pair)
		}
	}
}

func (c *catalog) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.apps)
}

func (c *catalog) lookup(pair domain.Pair) (domain.Application, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[pair]
	return app, ok
}

// settings sizes the getaway pool of pair from the released application.
func (c *catalog) settings(pair domain.Pair) getaway.Settings {
	s := getaway.Settings{
		Release:        getaway.DefaultRelease,
		ReleaseTimeout: getaway.DefaultReleaseTimeout,
	}
	app, ok := c.lookup(pair)
	if !ok {
		return s
	}
	if app.GetawayRelease != nil {
		s.Release = *app.GetawayRelease
	}
	if app.GetawayReleaseTimeout > 0 {
		s.ReleaseTimeout = app.GetawayReleaseTimeout
	}
	return s
}
