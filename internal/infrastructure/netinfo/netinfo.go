// Package netinfo finds the LAN addresses riders can reach the relay at.
package netinfo

import (
	"fmt"
	"net"
	"net/netip"
)

const Localhost = "localhost"

var (
	// Container bridge networks are never reachable from other devices.
	containerRanges = []netip.Prefix{
		netip.MustParsePrefix("172.17.0.0/16"),
		netip.MustParsePrefix("172.18.0.0/16"),
		netip.MustParsePrefix("172.19.0.0/16"),
	}

	// Ranges phone hotspots and home routers hand out, listed first.
	hotspotRanges = []netip.Prefix{
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("172.20.0.0/16"),
		netip.MustParsePrefix("10.0.0.0/16"),
	}
)

// AddrSource lists the host's interface addresses.
type AddrSource func() ([]net.Addr, error)

// Addresses is the relay's reachable address set.
type Addresses struct {
	Primary    string   `json:"primary"`
	All        []string `json:"all"`
	Port       int      `json:"port"`
	URL        string   `json:"url"`
	URLs       []string `json:"urls"`
	NetworkIPs []string `json:"networkIPs"`
}

type Resolver struct {
	source   AddrSource
	staticIP string
	port     int
}

// NewResolver uses the system interfaces when source is nil. staticIP, when
// set, is always reported as the primary address.
func NewResolver(source AddrSource, staticIP string, port int) *Resolver {
	if source == nil {
		source = net.InterfaceAddrs
	}
	return &Resolver{source: source, staticIP: staticIP, port: port}
}

// LANAddresses returns the non-loopback IPv4 addresses with hotspot ranges
// first and container bridges removed.
func (r *Resolver) LANAddresses() ([]string, error) {
	addrs, err := r.source()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}

	var preferred, other []string
	seen := make(map[netip.Addr]bool)
	for _, a := range addrs {
		ip, ok := ipv4Of(a)
		if !ok || ip.IsLoopback() || seen[ip] || inAny(ip, containerRanges) {
			continue
		}
		seen[ip] = true
		if inAny(ip, hotspotRanges) {
			preferred = append(preferred, ip.String())
		} else {
			other = append(other, ip.String())
		}
	}
	return append(preferred, other...), nil
}

// Primary is the address to advertise: the static override, else the first
// LAN address, else localhost.
func (r *Resolver) Primary() string {
	if r.staticIP != "" {
		return r.staticIP
	}
	all, err := r.LANAddresses()
	if err != nil || len(all) == 0 {
		return Localhost
	}
	return all[0]
}

// Resolve builds the full address set. Interface errors degrade to the
// localhost fallback.
func (r *Resolver) Resolve() Addresses {
	all, err := r.LANAddresses()
	if err != nil {
		all = nil
	}

	primary := r.staticIP
	if primary == "" {
		primary = Localhost
		if len(all) > 0 {
			primary = all[0]
		}
	}

	out := Addresses{
		Primary:    primary,
		All:        make([]string, 0, len(all)),
		Port:       r.port,
		URL:        r.URLFor(primary),
		URLs:       make([]string, 0, len(all)),
		NetworkIPs: make([]string, 0, len(all)),
	}
	for _, ip := range all {
		out.All = append(out.All, ip)
		out.URLs = append(out.URLs, r.URLFor(ip))
		if ip != Localhost && ip != "127.0.0.1" {
			out.NetworkIPs = append(out.NetworkIPs, ip)
		}
	}
	return out
}

// StaticMismatch reports whether a static override differs from the first
// detected LAN address.
func (r *Resolver) StaticMismatch() (detected string, mismatch bool) {
	if r.staticIP == "" {
		return "", false
	}
	all, err := r.LANAddresses()
	if err != nil || len(all) == 0 {
		return "", false
	}
	return all[0], all[0] != r.staticIP
}

func (r *Resolver) URLFor(host string) string {
	return fmt.Sprintf("http://%s:%d", host, r.port)
}

func ipv4Of(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip4)
	return addr, ok
}

func inAny(ip netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
