package domain

import (
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Wildcard grants access to every peer.
const Wildcard = "*"

// Pair identifies a (server, application) bucket.
type Pair struct {
	Server      string
	Application string
}

func (p Pair) String() string {
	return p.Application + "." + p.Server
}

// Valid reports whether both halves of the pair are set.
func (p Pair) Valid() bool {
	return p.Server != "" && p.Application != ""
}

// Application is a service hosted by an agent.
type Application struct {
	Name    string   `json:"name" yaml:"name"`
	Address string   `json:"address,omitempty" yaml:"address"`
	Port    int      `json:"port,omitempty" yaml:"port"`
	Grants  []string `json:"grants" yaml:"grants"`

	// GetawayRelease is the number of auto-reconnecting getaways a peer
	// keeps warm while it has demand for this application. Nil leaves the
	// choice to the peer.
	GetawayRelease *int `json:"getawayRelease,omitempty" yaml:"getaway_release"`
	// GetawayReleaseTimeout is how long peer demand stays armed after the
	// last request.
	GetawayReleaseTimeout time.Duration `json:"getawayReleaseTimeout,omitempty" yaml:"getaway_release_timeout"`
}

// Permits reports whether peer may reach the application.
func (a Application) Permits(peer string) bool {
	return Allows(a.Grants, peer)
}

// Clone returns a copy that shares no slices with a.
func (a Application) Clone() Application {
	a.Grants = slices.Clone(a.Grants)
	if a.GetawayRelease != nil {
		n := *a.GetawayRelease
		a.GetawayRelease = &n
	}
	return a
}

// Allows reports whether list contains the wildcard or id.
func Allows(list []string, id string) bool {
	for _, entry := range list {
		if entry == Wildcard || entry == id {
			return true
		}
	}
	return false
}

// AgentServer is a server identifier known to a resolver.
type AgentServer struct {
	ID string
	// Static servers come from binding files rather than broker presence.
	Static bool
}

// ResolvedDomain binds a symbolic domain to a synthetic address.
type ResolvedDomain struct {
	DomainName  string
	Address     netip.Addr
	Server      string
	Application string
}

// Pair returns the routing key of the binding.
func (r ResolvedDomain) Pair() Pair {
	return Pair{Server: r.Server, Application: r.Application}
}

// NormalizeDomain lowercases name and strips a trailing root dot.
func NormalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// GetawayState tracks a pooled broker connection.
type GetawayState int32

const (
	GetawayConnecting GetawayState = iota
	GetawayAuthenticating
	GetawayReady
	GetawayAnchored
	GetawayClosed
)

func (s GetawayState) String() string {
	switch s {
	case GetawayConnecting:
		return "connecting"
	case GetawayAuthenticating:
		return "authenticating"
	case GetawayReady:
		return "ready"
	case GetawayAnchored:
		return "anchored"
	case GetawayClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStatus is the authentication state of an agent session.
type SessionStatus int32

const (
	StatusUnknown SessionStatus = iota
	StatusAuthenticated
	StatusRejected
)

func (s SessionStatus) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Identity is what an authenticated agent presents on secondary sockets.
type Identity struct {
	ID      string
	Referer string
	Machine string
}
