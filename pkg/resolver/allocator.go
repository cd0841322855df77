package resolver

import (
	"errors"
	"net/netip"
)

// DefaultSentinel is the address the allocator counts up from. It is never
// handed out itself.
var DefaultSentinel = netip.AddrFrom4([4]byte{127, 100, 0, 0})

// ErrAddressSpaceExhausted is returned when no loopback address is left.
var ErrAddressSpaceExhausted = errors.New("synthetic address space exhausted")

// Allocator hands out synthetic loopback addresses by sequential octet
// increment from a sentinel. It is not safe for concurrent use.
type Allocator struct {
	sentinel netip.Addr
	cursor   netip.Addr
	used     map[netip.Addr]struct{}
}

// NewAllocator starts counting after sentinel, which must be an IPv4
// loopback address.
func NewAllocator(sentinel netip.Addr) *Allocator {
	if !sentinel.IsValid() || !sentinel.Is4() || !sentinel.IsLoopback() {
		sentinel = DefaultSentinel
	}
	return &Allocator{
		sentinel: sentinel,
		cursor:   sentinel,
		used:     make(map[netip.Addr]struct{}),
	}
}

// Restore moves the cursor to a persisted position. Positions before the
// sentinel are ignored.
func (a *Allocator) Restore(cursor netip.Addr) {
	if cursor.IsValid() && cursor.Is4() && a.sentinel.Less(cursor) && cursor.IsLoopback() {
		a.cursor = cursor
	}
}

// Reserve marks addr as taken so Next skips it.
func (a *Allocator) Reserve(addr netip.Addr) {
	a.used[addr] = struct{}{}
}

// Release makes addr available again. Only static bindings are ever released.
func (a *Allocator) Release(addr netip.Addr) {
	delete(a.used, addr)
}

// Cursor is the last address handed out.
func (a *Allocator) Cursor() netip.Addr {
	return a.cursor
}

// Next returns the next unused address after the cursor.
func (a *Allocator) Next() (netip.Addr, error) {
	addr := a.cursor
	for {
		addr = addr.Next()
		if !addr.IsValid() || !addr.IsLoopback() {
			return netip.Addr{}, ErrAddressSpaceExhausted
		}
		last := addr.As4()[3]
		if last == 0 || last == 255 {
			continue
		}
		if _, taken := a.used[addr]; taken {
			continue
		}
		a.cursor = addr
		a.used[addr] = struct{}{}
		return addr, nil
	}
}
