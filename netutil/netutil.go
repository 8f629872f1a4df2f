// Package netutil enumerates local interface addresses for discovery.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// cgnat covers the Tailscale address range; those interfaces belong to
// the tailnet strategy, not the local-subnet scan.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// LocalIPv4s returns the non-loopback, non-tailnet IPv4 addresses of
// all up interfaces.
func LocalIPv4s() ([]netip.Addr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	addrs := make([]netip.Addr, 0, 4)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, ifaceAddr := range ifaceAddrs {
			ipNet, ok := ifaceAddr.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() || addr.IsLoopback() || cgnat.Contains(addr) {
				continue
			}
			addrs = append(addrs, addr)
		}
	}

	return addrs, nil
}

// Subnet24 returns the /24 prefix containing addr.
func Subnet24(addr netip.Addr) (netip.Prefix, error) {
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("address %s is not IPv4", addr)
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("derive /24 for %s: %w", addr, err)
	}
	return prefix, nil
}

// HostsIn24 returns the 254 host addresses of a /24 prefix, excluding
// the network and broadcast addresses.
func HostsIn24(prefix netip.Prefix) []netip.Addr {
	if prefix.Bits() != 24 || !prefix.Addr().Is4() {
		return nil
	}

	base := prefix.Masked().Addr().As4()
	hosts := make([]netip.Addr, 0, 254)
	for i := 1; i <= 254; i++ {
		octets := base
		octets[3] = byte(i)
		hosts = append(hosts, netip.AddrFrom4(octets))
	}
	return hosts
}
