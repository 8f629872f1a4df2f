package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestMDNSStrategyCollectsEntries(t *testing.T) {
	strategy := &MDNSStrategy{
		Timeout: 100 * time.Millisecond,
		browseFn: func(_ context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != MDNSService || domain != MDNSDomain {
				t.Fatalf("browse(%q, %q)", service, domain)
			}
			go func() {
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "nas"},
					Port:          23500,
					AddrIPv4:      []net.IP{net.ParseIP("192.168.1.4")},
				}
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "no-addr"},
					Port:          23500,
				}
				close(entries)
			}()
			return nil
		},
	}

	hosts, err := strategy.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("got %d hosts, want 1: %+v", len(hosts), hosts)
	}
	if hosts[0].Hostname != "nas" || hosts[0].LocalIP != "192.168.1.4" || hosts[0].AgentPort != 23500 {
		t.Fatalf("host = %+v", hosts[0])
	}
}

func TestTXTAgentID(t *testing.T) {
	txt := []string{"hostname=nas", "agent_id=abc-123"}
	if got := TXTAgentID(txt); got != "abc-123" {
		t.Fatalf("TXTAgentID = %q", got)
	}
	if got := TXTAgentID([]string{"hostname=nas"}); got != "" {
		t.Fatalf("TXTAgentID on missing record = %q", got)
	}
}
