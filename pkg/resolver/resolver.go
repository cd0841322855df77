// Package resolver maps symbolic domains (application.server.aio) to
// synthetic loopback addresses and back.
//
// Dynamic bindings are allocated lazily on first resolution, persisted
// through a Store and never reassigned. Static bindings come from watched
// YAML files; each file's entries are replaced as a unit when it changes.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// Options configures a Resolver.
type Options struct {
	Store    Store
	Sentinel netip.Addr
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Resolver is the bidirectional domain/address index.
type Resolver struct {
	mu       sync.RWMutex
	servers  map[string]int // id -> presence references
	byDomain map[string]domain.ResolvedDomain
	byAddr   map[netip.Addr]domain.ResolvedDomain
	alloc    *Allocator

	static         map[string]staticSource
	staticDomain   map[string]domain.ResolvedDomain
	staticAddr     map[netip.Addr]domain.ResolvedDomain
	staticServers  map[string]struct{}
	staticReserved map[netip.Addr]struct{}

	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New loads persisted bindings from opts.Store and returns a ready resolver.
func New(ctx context.Context, opts Options) (*Resolver, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Resolver{
		servers:        make(map[string]int),
		byDomain:       make(map[string]domain.ResolvedDomain),
		byAddr:         make(map[netip.Addr]domain.ResolvedDomain),
		alloc:          NewAllocator(opts.Sentinel),
		static:         make(map[string]staticSource),
		staticDomain:   make(map[string]domain.ResolvedDomain),
		staticAddr:     make(map[netip.Addr]domain.ResolvedDomain),
		staticServers:  make(map[string]struct{}),
		staticReserved: make(map[netip.Addr]struct{}),
		store:          opts.Store,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}

	snap, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load resolver state: %w", err)
	}
	for _, b := range snap.Bindings {
		if _, dup := r.byAddr[b.Address]; dup {
			r.logger.Warn("Skipping persisted binding with duplicate address", "domain", b.DomainName, "address", b.Address)
			continue
		}
		r.byDomain[b.DomainName] = b
		r.byAddr[b.Address] = b
		r.alloc.Reserve(b.Address)
	}
	r.alloc.Restore(snap.Cursor)
	r.metrics.SetBindings(len(r.byDomain))

	r.logger.Info("Resolver loaded", "bindings", len(r.byDomain), "cursor", r.alloc.Cursor())
	return r, nil
}

// AddServer records that a server is reachable. Calls are reference counted
// so a server announced twice stays known until removed twice.
func (r *Resolver) AddServer(id string) {
	id = domain.NormalizeDomain(id)
	if id == "" {
		return
	}
	r.mu.Lock()
	r.servers[id]++
	r.mu.Unlock()
}

// RemoveServer drops one reference to id.
func (r *Resolver) RemoveServer(id string) {
	id = domain.NormalizeDomain(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.servers[id] <= 1 {
		delete(r.servers, id)
		return
	}
	r.servers[id]--
}

// Servers lists every known server, sorted by identifier.
func (r *Resolver) Servers() []domain.AgentServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentServer, 0, len(r.servers)+len(r.staticServers))
	for id := range r.servers {
		_, static := r.staticServers[id]
		out = append(out, domain.AgentServer{ID: id, Static: static})
	}
	for id := range r.staticServers {
		if _, dynamic := r.servers[id]; !dynamic {
			out = append(out, domain.AgentServer{ID: id, Static: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerOf finds the known server whose identifier is the longest suffix of
// name.
func (r *Resolver) ServerOf(name string) (domain.AgentServer, bool) {
	name = domain.NormalizeDomain(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serverOfLocked(name)
}

func (r *Resolver) serverOfLocked(name string) (domain.AgentServer, bool) {
	best := domain.AgentServer{}
	for id := range r.servers {
		if owns(id, name) && len(id) > len(best.ID) {
			best = domain.AgentServer{ID: id}
		}
	}
	for id := range r.staticServers {
		if owns(id, name) && len(id) >= len(best.ID) {
			best = domain.AgentServer{ID: id, Static: true}
		}
	}
	return best, best.ID != ""
}

func owns(server, name string) bool {
	return name == server || strings.HasSuffix(name, "."+server)
}

// Resolve returns the address bound to name, allocating and persisting a new
// one on first sight of a domain under a known server.
func (r *Resolver) Resolve(ctx context.Context, name string) (netip.Addr, error) {
	name = domain.NormalizeDomain(name)

	r.mu.RLock()
	if b, ok := r.lookupDomainLocked(name); ok {
		r.mu.RUnlock()
		r.metrics.RecordResolution("hit")
		return b.Address, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.lookupDomainLocked(name); ok {
		r.metrics.RecordResolution("hit")
		return b.Address, nil
	}

	server, ok := r.serverOfLocked(name)
	if !ok || name == server.ID {
		r.metrics.RecordResolution("miss")
		return netip.Addr{}, domain.ResolutionError(domain.CodeUnknownDomain, fmt.Sprintf("no server owns %s", name))
	}
	app := strings.TrimSuffix(name, "."+server.ID)

	prev := r.alloc.Cursor()
	addr, err := r.alloc.Next()
	if err != nil {
		return netip.Addr{}, err
	}
	binding := domain.ResolvedDomain{DomainName: name, Address: addr, Server: server.ID, Application: app}
	if err := r.store.Save(ctx, binding, addr); err != nil {
		r.alloc.Release(addr)
		r.alloc.cursor = prev
		return netip.Addr{}, fmt.Errorf("persist binding %s: %w", name, err)
	}
	r.byDomain[name] = binding
	r.byAddr[addr] = binding

	r.metrics.RecordResolution("allocated")
	r.metrics.SetBindings(len(r.byDomain))
	r.logger.Info("Domain bound", "domain", name, "address", addr, "server", server.ID, "application", app)
	return addr, nil
}

func (r *Resolver) lookupDomainLocked(name string) (domain.ResolvedDomain, bool) {
	if b, ok := r.byDomain[name]; ok {
		return b, true
	}
	b, ok := r.staticDomain[name]
	return b, ok
}

// Resolved returns the binding for addr.
func (r *Resolver) Resolved(addr netip.Addr) (domain.ResolvedDomain, bool) {
	addr = addr.Unmap()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.byAddr[addr]; ok {
		return b, true
	}
	b, ok := r.staticAddr[addr]
	return b, ok
}

// ApplyStatic replaces every entry contributed by source with file.
// Entries that collide with dynamic bindings or with other files are
// skipped and logged; a malformed file leaves the previous entries intact.
func (r *Resolver) ApplyStatic(source string, file StaticFile) error {
	servers, bindings, err := file.bindings()
	if err != nil {
		return fmt.Errorf("binding file %s: %w", source, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[source] = staticSource{servers: servers, bindings: bindings}
	r.rebuildStaticLocked()
	r.logger.Info("Static bindings applied", "source", source, "servers", len(servers), "domains", len(bindings))
	return nil
}

// RemoveStatic drops every entry contributed by source.
func (r *Resolver) RemoveStatic(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.static[source]; !ok {
		return
	}
	delete(r.static, source)
	r.rebuildStaticLocked()
	r.logger.Info("Static bindings removed", "source", source)
}

func (r *Resolver) rebuildStaticLocked() {
	for addr := range r.staticReserved {
		r.alloc.Release(addr)
	}
	r.staticDomain = make(map[string]domain.ResolvedDomain)
	r.staticAddr = make(map[netip.Addr]domain.ResolvedDomain)
	r.staticServers = make(map[string]struct{})
	r.staticReserved = make(map[netip.Addr]struct{})

	sources := make([]string, 0, len(r.static))
	for source := range r.static {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		src := r.static[source]
		for _, s := range src.servers {
			r.staticServers[s] = struct{}{}
		}
		for _, b := range src.bindings {
			if _, taken := r.byDomain[b.DomainName]; taken {
				r.logger.Warn("Static domain already bound dynamically", "source", source, "domain", b.DomainName)
				continue
			}
			if _, taken := r.byAddr[b.Address]; taken {
				r.logger.Warn("Static address already bound dynamically", "source", source, "address", b.Address)
				continue
			}
			if _, taken := r.staticDomain[b.DomainName]; taken {
				r.logger.Warn("Static domain declared twice", "source", source, "domain", b.DomainName)
				continue
			}
			if _, taken := r.staticAddr[b.Address]; taken {
				r.logger.Warn("Static address declared twice", "source", source, "address", b.Address)
				continue
			}
			r.staticDomain[b.DomainName] = b
			r.staticAddr[b.Address] = b
			r.staticReserved[b.Address] = struct{}{}
			r.alloc.Reserve(b.Address)
		}
	}
}

// Close closes the backing store.
func (r *Resolver) Close() error {
	return r.store.Close()
}
