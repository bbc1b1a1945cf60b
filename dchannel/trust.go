package dchannel

import (
	"fmt"
	"net/netip"
	"strings"
)

// TrustSet is the configured set of trusted peer addresses.
//
// An entry is either an exact IP and port,
// or an IP alone, which trusts every port on that IP.
// The zero value trusts nothing.
//
// A TrustSet is immutable after construction
// and safe for concurrent use.
type TrustSet struct {
	exact map[netip.AddrPort]struct{}
	hosts map[netip.Addr]struct{}
}

// NewTrustSet returns a TrustSet of exact address entries.
// An entry with port 0 trusts every port on its IP.
func NewTrustSet(addrs ...netip.AddrPort) TrustSet {
	s := TrustSet{
		exact: make(map[netip.AddrPort]struct{}, len(addrs)),
		hosts: make(map[netip.Addr]struct{}),
	}
	for _, ap := range addrs {
		ip := ap.Addr().Unmap()
		if ap.Port() == 0 {
			s.hosts[ip] = struct{}{}
			continue
		}
		s.exact[netip.AddrPortFrom(ip, ap.Port())] = struct{}{}
	}
	return s
}

// ParseTrustSet parses entries of the form "ip:port", "[ipv6]:port", or bare "ip".
func ParseTrustSet(entries []string) (TrustSet, error) {
	addrs := make([]netip.AddrPort, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}

		if ap, err := netip.ParseAddrPort(e); err == nil {
			addrs = append(addrs, ap)
			continue
		}

		ip, err := netip.ParseAddr(e)
		if err != nil {
			return TrustSet{}, fmt.Errorf("invalid trusted address %q: %w", e, err)
		}
		addrs = append(addrs, netip.AddrPortFrom(ip, 0))
	}
	return NewTrustSet(addrs...), nil
}

// Contains reports whether ap is trusted.
func (s TrustSet) Contains(ap netip.AddrPort) bool {
	ip := ap.Addr().Unmap()
	if _, ok := s.hosts[ip]; ok {
		return true
	}
	_, ok := s.exact[netip.AddrPortFrom(ip, ap.Port())]
	return ok
}

// Len returns the number of entries in s.
func (s TrustSet) Len() int {
	return len(s.exact) + len(s.hosts)
}
