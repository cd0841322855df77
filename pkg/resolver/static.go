package resolver

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/pkg/domain"
)

// StaticFile is a binding file declaring servers and fixed domain addresses.
//
//	servers:
//	  - c.aio
//	domains:
//	  - domain: db.c.aio
//	    address: 127.100.9.9
type StaticFile struct {
	Servers []string       `yaml:"servers"`
	Domains []StaticDomain `yaml:"domains"`
}

// StaticDomain pins a domain to an address. Server and Application are
// derived from the domain name when omitted.
type StaticDomain struct {
	Domain      string `yaml:"domain"`
	Address     string `yaml:"address"`
	Server      string `yaml:"server,omitempty"`
	Application string `yaml:"application,omitempty"`
}

// LoadStaticFile reads and parses a binding file.
func LoadStaticFile(path string) (StaticFile, error) {
	// #nosec G304 -- binding directory is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return StaticFile{}, fmt.Errorf("read binding file %s: %w", path, err)
	}
	var file StaticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return StaticFile{}, fmt.Errorf("parse binding file %s: %w", path, err)
	}
	return file, nil
}

// bindings converts the file into resolved domains, validating every entry.
func (f StaticFile) bindings() ([]string, []domain.ResolvedDomain, error) {
	servers := make([]string, 0, len(f.Servers))
	for _, s := range f.Servers {
		s = domain.NormalizeDomain(s)
		if s == "" {
			return nil, nil, fmt.Errorf("empty server identifier")
		}
		servers = append(servers, s)
	}

	out := make([]domain.ResolvedDomain, 0, len(f.Domains))
	seen := make(map[string]struct{}, len(f.Domains))
	for i, d := range f.Domains {
		name := domain.NormalizeDomain(d.Domain)
		if name == "" {
			return nil, nil, fmt.Errorf("domains[%d]: domain is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, nil, fmt.Errorf("domains[%d]: duplicate domain %s", i, name)
		}
		seen[name] = struct{}{}

		addr, err := netip.ParseAddr(d.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("domains[%d]: invalid address %q: %w", i, d.Address, err)
		}

		server := domain.NormalizeDomain(d.Server)
		if server == "" {
			server = longestSuffix(name, servers)
		}
		if server == "" {
			return nil, nil, fmt.Errorf("domains[%d]: no server owns %s", i, name)
		}
		app := d.Application
		if app == "" {
			app = strings.TrimSuffix(name, "."+server)
			if app == name || app == "" {
				return nil, nil, fmt.Errorf("domains[%d]: cannot derive application from %s", i, name)
			}
		}
		out = append(out, domain.ResolvedDomain{DomainName: name, Address: addr, Server: server, Application: app})
	}
	return servers, out, nil
}

// longestSuffix returns the longest server id owning name, or "".
func longestSuffix(name string, servers []string) string {
	best := ""
	for _, s := range servers {
		if (name == s || strings.HasSuffix(name, "."+s)) && len(s) > len(best) {
			best = s
		}
	}
	return best
}

// staticSource is everything one binding file contributed.
type staticSource struct {
	servers  []string
	bindings []domain.ResolvedDomain
}
