package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"fleetd/config"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_fleetd._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultBrowseTimeout bounds one mDNS browse pass.
	DefaultBrowseTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Announcer advertises this agent's presence via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the agent under its hostname and agent ID.
func Announce(hostname, agentID string, port int) (*Announcer, error) {
	txt := []string{"agent_id=" + agentID, "hostname=" + hostname}

	server, err := zeroconf.Register(hostname, MDNSService, MDNSDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop stops the mDNS announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// MDNSStrategy discovers agents announced over mDNS. It is an optional
// third producer for DiscoverAll, disabled unless the configuration
// enables it.
type MDNSStrategy struct {
	Timeout time.Duration

	browseFn browseFunc
}

// Discover browses for announced agents until the browse timeout
// elapses and returns one host per entry that carries an IPv4 address.
func (s *MDNSStrategy) Discover(ctx context.Context) ([]Host, error) {
	browse := s.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(browseCtx, MDNSService, MDNSDomain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	var hosts []Host
	for entry := range entries {
		if entry == nil || len(entry.AddrIPv4) == 0 {
			continue
		}
		port := entry.Port
		if port <= 0 {
			port = config.DefaultAgentPort
		}
		hosts = append(hosts, Host{
			Hostname:  entry.Instance,
			LocalIP:   entry.AddrIPv4[0].String(),
			AgentPort: port,
			Reachable: true,
		})
	}

	return hosts, nil
}

// TXTAgentID extracts the agent_id value from an announcement's TXT
// records, or empty if absent.
func TXTAgentID(txt []string) string {
	const prefix = "agent_id="
	for _, record := range txt {
		if len(record) > len(prefix) && record[:len(prefix)] == prefix {
			return record[len(prefix):]
		}
	}
	return ""
}
