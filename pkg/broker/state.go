package broker

import (
	"slices"
	"strings"
	"sync"

	"github.com/polisai/polis-relay/pkg/anchor"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// slot is a getaway offered by a target agent through the Response service.
type slot struct {
	id      string
	owner   string
	referer string
	conn    *anchor.Conn
	codec   *protocol.Codec
}

// waiter is a requester socket parked until a slot arrives.
type waiter struct {
	id     string
	origin string
	conn   *anchor.Conn
}

// bucket holds the free slots and parked waiters of one pair. Every read
// and write of either queue happens under mu, so a slot is handed to at
// most one waiter.
type bucket struct {
	mu      sync.Mutex
	free    []*slot
	waiters []*waiter
}

// popWaiter removes and returns the oldest waiter whose socket is still
// open. Closed waiters found on the way are discarded.
func (b *bucket) popWaiter() (*waiter, int) {
	dropped := 0
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters[0] = nil
		b.waiters = b.waiters[1:]
		if !w.conn.Closed() {
			return w, dropped
		}
		dropped++
	}
	return nil, dropped
}

func (b *bucket) popSlot() (*slot, int) {
	dropped := 0
	for len(b.free) > 0 {
		s := b.free[0]
		b.free[0] = nil
		b.free = b.free[1:]
		if !s.conn.Closed() {
			return s, dropped
		}
		dropped++
	}
	return nil, dropped
}

func (b *bucket) removeSlot(s *slot) bool {
	i := slices.Index(b.free, s)
	if i < 0 {
		return false
	}
	b.free = slices.Delete(b.free, i, i+1)
	return true
}

func (b *bucket) removeWaiter(w *waiter) bool {
	i := slices.Index(b.waiters, w)
	if i < 0 {
		return false
	}
	b.waiters = slices.Delete(b.waiters, i, i+1)
	return true
}

// state is the broker's shared rendezvous table.
type state struct {
	mu      sync.Mutex
	buckets map[domain.Pair]*bucket
	apps    map[string]map[string]domain.Application
}

func newState() *state {
	return &state{
		buckets: make(map[domain.Pair]*bucket),
		apps:    make(map[string]map[string]domain.Application),
	}
}

func (st *state) bucket(pair domain.Pair) *bucket {
	st.mu.Lock()
	defer st.mu.Unlock()
	b, ok := st.buckets[pair]
	if !ok {
		b = &bucket{}
		st.buckets[pair] = b
	}
	return b
}

// bucketsOf returns the buckets owned by server.
func (st *state) bucketsOf(server string) map[domain.Pair]*bucket {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[domain.Pair]*bucket)
	for pair, b := range st.buckets {
		if pair.Server == server {
			out[pair] = b
		}
	}
	return out
}

// setApp stores app for server and returns the previous version.
func (st *state) setApp(server string, app domain.Application) (domain.Application, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	apps, ok := st.apps[server]
	if !ok {
		apps = make(map[string]domain.Application)
		st.apps[server] = apps
	}
	prev, existed := apps[app.Name]
	apps[app.Name] = app.Clone()
	return prev, existed
}

func (st *state) removeApp(server, name string) (domain.Application, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	app, ok := st.apps[server][name]
	if ok {
		delete(st.apps[server], name)
	}
	return app, ok
}

func (st *state) app(server, name string) (domain.Application, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	app, ok := st.apps[server][name]
	return app.Clone(), ok
}

func (st *state) appsOf(server string) []domain.Application {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Application, 0, len(st.apps[server]))
	for _, app := range st.apps[server] {
		out = append(out, app.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Application) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (st *state) dropApps(server string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.apps, server)
}
