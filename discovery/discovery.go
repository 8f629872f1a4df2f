// Package discovery finds reachable fleet agents. Strategies produce
// candidate hosts independently and DiscoverAll merges and deduplicates
// their results into one fully resolved list.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"fleetd/config"
	"fleetd/netutil"
	"fleetd/protocol"
	"fleetd/tailnet"
)

// Host is one discovered agent endpoint. Reachable is a point-in-time
// probe result, not persisted state.
type Host struct {
	Hostname          string
	LocalIP           string
	TailscaleIP       string
	TailscaleHostname string
	AgentPort         int
	Reachable         bool
}

// IdentityKey is the address a host is deduplicated by: the tailscale
// IP when present, otherwise the local IP.
func (h Host) IdentityKey() string {
	if h.TailscaleIP != "" {
		return h.TailscaleIP
	}
	return h.LocalIP
}

// Addr returns the host's dialable "ip:port" address.
func (h Host) Addr() string {
	return net.JoinHostPort(h.IdentityKey(), fmt.Sprintf("%d", h.AgentPort))
}

// Strategy produces candidate hosts from one source.
type Strategy interface {
	Discover(ctx context.Context) ([]Host, error)
}

// ProbeFunc reports whether an agent answers at addr within timeout.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// ProbePing dials addr, sends a Ping through the shared codec and waits
// for a Pong. Every failure mode, including a connection that accepts
// and then stays silent, resolves to false within timeout.
func ProbePing(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}
	if err := protocol.WriteRequest(conn, protocol.PingRequest()); err != nil {
		return false
	}

	resp, err := protocol.ReadResponse(conn, protocol.MaxResponseBytes)
	if err != nil {
		return false
	}
	return resp.Kind == protocol.KindPong
}

// TailnetStrategy probes the devices of the local tailnet roster.
type TailnetStrategy struct {
	Roster  tailnet.Roster
	Port    int
	Timeout time.Duration
	Probe   ProbeFunc
}

// Discover probes every roster device that reports an address and
// returns the reachable ones. A missing or empty roster is not an
// error; the tailnet is simply absent.
func (s *TailnetStrategy) Discover(ctx context.Context) ([]Host, error) {
	devices, err := s.Roster.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tailnet devices: %w", err)
	}

	port, timeout, probe := s.defaults()
	hosts := make([]Host, 0, len(devices))
	for _, device := range devices {
		if device.IP == "" {
			continue
		}
		addr := net.JoinHostPort(device.IP, fmt.Sprintf("%d", port))
		if !probe(ctx, addr, timeout) {
			continue
		}
		hosts = append(hosts, Host{
			Hostname:          device.Name,
			TailscaleIP:       device.IP,
			TailscaleHostname: device.Name,
			AgentPort:         port,
			Reachable:         true,
		})
	}

	return hosts, nil
}

func (s *TailnetStrategy) defaults() (int, time.Duration, ProbeFunc) {
	port, timeout, probe := s.Port, s.Timeout, s.Probe
	if port <= 0 {
		port = config.DefaultAgentPort
	}
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	if probe == nil {
		probe = ProbePing
	}
	return port, timeout, probe
}

// SubnetStrategy scans the /24 of every local interface address with a
// bounded pool of concurrent probes.
type SubnetStrategy struct {
	Port        int
	Timeout     time.Duration
	Concurrency int
	Probe       ProbeFunc

	// ListAddrs overrides local address enumeration, mainly for tests.
	// Nil means netutil.LocalIPv4s.
	ListAddrs func() ([]netip.Addr, error)
}

// Discover probes all 254 host addresses of each local /24 and returns
// the reachable ones under synthetic "host-<last octet>" names.
func (s *SubnetStrategy) Discover(ctx context.Context) ([]Host, error) {
	listAddrs := s.ListAddrs
	if listAddrs == nil {
		listAddrs = netutil.LocalIPv4s
	}

	localAddrs, err := listAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate local addresses: %w", err)
	}

	seen := make(map[netip.Prefix]bool)
	targets := make([]netip.Addr, 0, 254*len(localAddrs))
	for _, local := range localAddrs {
		prefix, err := netutil.Subnet24(local)
		if err != nil {
			continue
		}
		prefix = prefix.Masked()
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		targets = append(targets, netutil.HostsIn24(prefix)...)
	}

	return s.scan(ctx, targets), nil
}

// scan probes targets through a fixed-size worker pool. The result set
// matches a sequential scan; only the scheduling differs.
func (s *SubnetStrategy) scan(ctx context.Context, targets []netip.Addr) []Host {
	port, timeout, probe := s.Port, s.Timeout, s.Probe
	if port <= 0 {
		port = config.DefaultAgentPort
	}
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	if probe == nil {
		probe = ProbePing
	}
	workers := s.Concurrency
	if workers <= 0 {
		workers = config.DefaultProbeConcurrency
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	reachable := make([]bool, len(targets))
	jobs := make(chan int)
	done := make(chan struct{})

	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				addr := net.JoinHostPort(targets[i].String(), fmt.Sprintf("%d", port))
				reachable[i] = probe(ctx, addr, timeout)
			}
			done <- struct{}{}
		}()
	}

feed:
	for i := range targets {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}

	hosts := make([]Host, 0, 8)
	for i, target := range targets {
		if !reachable[i] {
			continue
		}
		octets := target.As4()
		hosts = append(hosts, Host{
			Hostname:  fmt.Sprintf("host-%d", octets[3]),
			LocalIP:   target.String(),
			AgentPort: port,
			Reachable: true,
		})
	}
	return hosts
}

// DiscoverAll runs every strategy, concatenates the results and
// deduplicates them by identity key. Strategy failures do not suppress
// the results of the others; their errors are joined into the returned
// error alongside whatever hosts were found.
func DiscoverAll(ctx context.Context, strategies ...Strategy) ([]Host, error) {
	var hosts []Host
	var errs []error
	for _, strategy := range strategies {
		found, err := strategy.Discover(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hosts = append(hosts, found...)
	}
	return Dedup(hosts), errors.Join(errs...)
}

// Dedup sorts hosts by identity key, empty keys first, and drops
// adjacent entries with equal keys. Which entry survives an identity
// collision follows sort order, not hostname.
func Dedup(hosts []Host) []Host {
	if len(hosts) == 0 {
		return hosts
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].IdentityKey() < hosts[j].IdentityKey()
	})

	deduped := hosts[:1]
	for _, host := range hosts[1:] {
		if host.IdentityKey() == deduped[len(deduped)-1].IdentityKey() {
			continue
		}
		deduped = append(deduped, host)
	}
	return deduped
}
