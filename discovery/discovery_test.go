package discovery

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"fleetd/protocol"
	"fleetd/tailnet"
)

type staticStrategy struct {
	hosts []Host
	err   error
}

func (s *staticStrategy) Discover(context.Context) ([]Host, error) {
	return append([]Host(nil), s.hosts...), s.err
}

type staticRoster struct {
	devices []tailnet.Device
}

func (r *staticRoster) Devices(context.Context) ([]tailnet.Device, error) {
	return r.devices, nil
}

func TestDedupByIdentityKey(t *testing.T) {
	hosts := []Host{
		{Hostname: "host-5", LocalIP: "192.168.1.5"},
		{Hostname: "nas", TailscaleIP: "100.64.0.1"},
		{Hostname: "host-5-again", LocalIP: "192.168.1.5"},
		{Hostname: "pi", TailscaleIP: "100.64.0.2"},
	}

	deduped := Dedup(hosts)
	if len(deduped) != 3 {
		t.Fatalf("got %d hosts, want 3: %+v", len(deduped), deduped)
	}

	keys := make(map[string]bool)
	for _, host := range deduped {
		if keys[host.IdentityKey()] {
			t.Fatalf("duplicate identity key %q survived dedup", host.IdentityKey())
		}
		keys[host.IdentityKey()] = true
	}
}

func TestDedupSortsEmptyKeysFirst(t *testing.T) {
	hosts := []Host{
		{Hostname: "with-ip", LocalIP: "10.0.0.9"},
		{Hostname: "no-ip"},
	}

	deduped := Dedup(hosts)
	if len(deduped) != 2 {
		t.Fatalf("got %d hosts, want 2", len(deduped))
	}
	if deduped[0].Hostname != "no-ip" {
		t.Fatalf("first host %q, want the address-less one first", deduped[0].Hostname)
	}
}

func TestDiscoverAllMergesAndDeduplicates(t *testing.T) {
	// The same machine seen by both strategies under different names:
	// identity follows the IP, one entry must survive.
	tailnetHosts := &staticStrategy{hosts: []Host{
		{Hostname: "nas.tail1234.ts.net", TailscaleIP: "100.64.0.1"},
		{Hostname: "pi.tail1234.ts.net", TailscaleIP: "100.64.0.2"},
	}}
	subnetHosts := &staticStrategy{hosts: []Host{
		{Hostname: "host-7", LocalIP: "192.168.1.7"},
		{Hostname: "host-8", LocalIP: "192.168.1.8"},
		{Hostname: "host-8-dup", LocalIP: "192.168.1.8"},
	}}

	hosts, err := DiscoverAll(context.Background(), tailnetHosts, subnetHosts)
	if err != nil {
		t.Fatalf("DiscoverAll failed: %v", err)
	}
	if len(hosts) != 4 {
		t.Fatalf("got %d hosts, want 4: %+v", len(hosts), hosts)
	}
}

func TestDiscoverAllIsIdempotent(t *testing.T) {
	strategy := &staticStrategy{hosts: []Host{
		{Hostname: "a", LocalIP: "192.168.1.1"},
		{Hostname: "b", LocalIP: "192.168.1.2"},
		{Hostname: "b2", LocalIP: "192.168.1.2"},
	}}

	first, err := DiscoverAll(context.Background(), strategy)
	if err != nil {
		t.Fatalf("first DiscoverAll failed: %v", err)
	}
	second, err := DiscoverAll(context.Background(), strategy)
	if err != nil {
		t.Fatalf("second DiscoverAll failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("host counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].IdentityKey() != second[i].IdentityKey() {
			t.Fatalf("identity sets differ at %d: %q vs %q",
				i, first[i].IdentityKey(), second[i].IdentityKey())
		}
	}
}

func TestDiscoverAllKeepsResultsWhenOneStrategyFails(t *testing.T) {
	good := &staticStrategy{hosts: []Host{{Hostname: "a", LocalIP: "192.168.1.1"}}}
	bad := &staticStrategy{err: context.DeadlineExceeded}

	hosts, err := DiscoverAll(context.Background(), good, bad)
	if err == nil {
		t.Fatal("expected joined error from failing strategy")
	}
	if len(hosts) != 1 {
		t.Fatalf("got %d hosts, want the one from the healthy strategy", len(hosts))
	}
}

// startPingListener runs a minimal agent endpoint that answers every
// request with Pong, proving the probe and server speak one encoding.
func startPingListener(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			req, err := protocol.ReadRequest(conn, protocol.MaxRequestBytes)
			if err == nil && req.Kind == protocol.KindPing {
				_ = protocol.WriteResponse(conn, protocol.PongResponse())
			}
			conn.Close()
		}
	}()

	return listener.Addr().String()
}

func TestProbePingAgainstListener(t *testing.T) {
	addr := startPingListener(t)

	if !ProbePing(context.Background(), addr, time.Second) {
		t.Fatal("probe failed against a live listener")
	}
}

func TestProbePingClosedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	if ProbePing(context.Background(), addr, 500*time.Millisecond) {
		t.Fatal("probe succeeded against a closed port")
	}
}

func TestProbePingSilentListenerTimesOut(t *testing.T) {
	// Accepts connections but never responds.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	start := time.Now()
	if ProbePing(context.Background(), listener.Addr().String(), 300*time.Millisecond) {
		t.Fatal("probe succeeded against a silent listener")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe blocked for %v, want timeout-bounded", elapsed)
	}
}

func TestTailnetStrategyProbesRoster(t *testing.T) {
	roster := &staticRoster{devices: []tailnet.Device{
		{Name: "nas.tail1234.ts.net", IP: "100.64.0.1"},
		{Name: "pi.tail1234.ts.net", IP: "100.64.0.2"},
		{Name: "phone", IP: ""},
	}}

	strategy := &TailnetStrategy{
		Roster:  roster,
		Port:    23500,
		Timeout: 100 * time.Millisecond,
		Probe: func(_ context.Context, addr string, _ time.Duration) bool {
			return addr == "100.64.0.1:23500"
		},
	}

	hosts, err := strategy.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("got %d hosts, want 1: %+v", len(hosts), hosts)
	}

	host := hosts[0]
	if host.TailscaleIP != "100.64.0.1" || host.TailscaleHostname != "nas.tail1234.ts.net" {
		t.Fatalf("host = %+v", host)
	}
	if host.LocalIP != "" {
		t.Fatalf("tailnet host carries a local IP: %+v", host)
	}
	if !host.Reachable {
		t.Fatal("probed host not marked reachable")
	}
}

func TestSubnetStrategyPoolMatchesSequentialResult(t *testing.T) {
	reachableSet := map[string]bool{
		"192.168.1.3":   true,
		"192.168.1.77":  true,
		"192.168.1.254": true,
	}

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	probe := func(_ context.Context, addr string, _ time.Duration) bool {
		host, _, _ := net.SplitHostPort(addr)
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return reachableSet[host]
	}

	listAddrs := func() ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("192.168.1.10")}, nil
	}

	pooled := &SubnetStrategy{
		Port: 23500, Timeout: time.Millisecond, Concurrency: 16,
		Probe: probe, ListAddrs: listAddrs,
	}
	sequential := &SubnetStrategy{
		Port: 23500, Timeout: time.Millisecond, Concurrency: 1,
		Probe: probe, ListAddrs: listAddrs,
	}

	pooledHosts, err := pooled.Discover(context.Background())
	if err != nil {
		t.Fatalf("pooled Discover failed: %v", err)
	}
	sequentialHosts, err := sequential.Discover(context.Background())
	if err != nil {
		t.Fatalf("sequential Discover failed: %v", err)
	}

	if len(pooledHosts) != len(reachableSet) || len(sequentialHosts) != len(reachableSet) {
		t.Fatalf("pooled %d, sequential %d, want %d",
			len(pooledHosts), len(sequentialHosts), len(reachableSet))
	}
	for i := range pooledHosts {
		if pooledHosts[i] != sequentialHosts[i] {
			t.Fatalf("result mismatch at %d: %+v vs %+v",
				i, pooledHosts[i], sequentialHosts[i])
		}
	}
	if maxInFlight > 16 {
		t.Fatalf("observed %d concurrent probes, cap is 16", maxInFlight)
	}
}

func TestSubnetStrategySyntheticHostnames(t *testing.T) {
	strategy := &SubnetStrategy{
		Port: 23500, Timeout: time.Millisecond, Concurrency: 8,
		Probe: func(_ context.Context, addr string, _ time.Duration) bool {
			host, _, _ := net.SplitHostPort(addr)
			return host == "10.1.2.42"
		},
		ListAddrs: func() ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("10.1.2.1")}, nil
		},
	}

	hosts, err := strategy.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Hostname != "host-42" || hosts[0].LocalIP != "10.1.2.42" {
		t.Fatalf("hosts = %+v", hosts)
	}
}

func TestSubnetStrategyDeduplicatesSharedPrefix(t *testing.T) {
	var mu sync.Mutex
	probed := 0
	strategy := &SubnetStrategy{
		Port: 23500, Timeout: time.Millisecond, Concurrency: 32,
		Probe: func(context.Context, string, time.Duration) bool {
			mu.Lock()
			probed++
			mu.Unlock()
			return false
		},
		ListAddrs: func() ([]netip.Addr, error) {
			// Two addresses in the same /24 must not double the scan.
			return []netip.Addr{
				netip.MustParseAddr("192.168.1.10"),
				netip.MustParseAddr("192.168.1.20"),
			}, nil
		},
	}

	if _, err := strategy.Discover(context.Background()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if probed != 254 {
		t.Fatalf("probed %d addresses, want 254", probed)
	}
}
