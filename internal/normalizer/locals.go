package normalizer

import (
	"fmt"
	"net/netip"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"aegisflux/nets/internal/model"
)

// LocalAddrs is an immutable set of addresses bound to this host
type LocalAddrs struct {
	addrs map[netip.Addr]struct{}
}

// NewLocalAddrs builds a table from explicit addresses
func NewLocalAddrs(addrs ...netip.Addr) *LocalAddrs {
	t := &LocalAddrs{addrs: make(map[netip.Addr]struct{}, len(addrs)+2)}
	t.addrs[netip.IPv4Unspecified()] = struct{}{}
	t.addrs[netip.MustParseAddr("127.0.0.1")] = struct{}{}
	t.addrs[netip.IPv6Loopback()] = struct{}{}
	for _, a := range addrs {
		t.addrs[a.Unmap()] = struct{}{}
	}
	return t
}

// LoadLocalAddrs reads interface addresses from the operating system
func LoadLocalAddrs() (*LocalAddrs, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var addrs []netip.Addr
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			raw := a.Addr
			if i := strings.IndexByte(raw, '/'); i >= 0 {
				raw = raw[:i]
			}
			if addr, err := netip.ParseAddr(raw); err == nil {
				addrs = append(addrs, addr)
			}
		}
	}
	return NewLocalAddrs(addrs...), nil
}

// Contains reports whether addr belongs to this host
func (t *LocalAddrs) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	_, ok := t.addrs[addr.Unmap()]
	return ok
}

// Len returns the number of addresses in the table
func (t *LocalAddrs) Len() int {
	if t == nil {
		return 0
	}
	return len(t.addrs)
}

// RemoteIsSource reports whether the source endpoint is the remote peer,
// that is the destination is this host and the source is not
func RemoteIsSource(key model.FlowKey, locals *LocalAddrs) bool {
	dst := key.DstIP.Unmap()
	if !dst.IsValid() || dst.IsUnspecified() {
		return false
	}
	return locals.Contains(dst) && !locals.Contains(key.SrcIP)
}

// Classify resolves the direction of a 5-tuple. It depends only on the
// key and the local address table.
func Classify(key model.FlowKey, locals *LocalAddrs, hint model.Direction) model.Direction {
	src, dst := key.SrcIP.Unmap(), key.DstIP.Unmap()
	if !src.IsValid() && !dst.IsValid() {
		return hint
	}
	if dst.IsUnspecified() {
		return model.DirectionInbound
	}
	if model.IsLocalScope(src) && model.IsLocalScope(dst) {
		return model.DirectionLateral
	}
	if locals.Contains(dst) {
		return model.DirectionInbound
	}
	return model.DirectionOutbound
}
