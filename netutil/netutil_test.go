package netutil

import (
	"net/netip"
	"testing"
)

func TestSubnet24(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.42", "192.168.1.0/24"},
		{"10.0.0.1", "10.0.0.0/24"},
		{"172.16.254.200", "172.16.254.0/24"},
	}

	for _, test := range tests {
		prefix, err := Subnet24(netip.MustParseAddr(test.addr))
		if err != nil {
			t.Fatalf("Subnet24(%s) failed: %v", test.addr, err)
		}
		if prefix.Masked().String() != test.want {
			t.Fatalf("Subnet24(%s) = %s, want %s", test.addr, prefix.Masked(), test.want)
		}
	}
}

func TestSubnet24RejectsIPv6(t *testing.T) {
	if _, err := Subnet24(netip.MustParseAddr("fe80::1")); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestHostsIn24(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.1.0/24")
	hosts := HostsIn24(prefix)

	if len(hosts) != 254 {
		t.Fatalf("got %d hosts, want 254", len(hosts))
	}
	if hosts[0].String() != "192.168.1.1" {
		t.Fatalf("first host %s, want 192.168.1.1", hosts[0])
	}
	if hosts[253].String() != "192.168.1.254" {
		t.Fatalf("last host %s, want 192.168.1.254", hosts[253])
	}
}

func TestHostsIn24RejectsOtherPrefixLengths(t *testing.T) {
	if hosts := HostsIn24(netip.MustParsePrefix("10.0.0.0/16")); hosts != nil {
		t.Fatalf("expected nil for /16, got %d hosts", len(hosts))
	}
}
