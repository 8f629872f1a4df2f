// Package tailnet reads the device roster and local node facts from
// the tailscale daemon on this host. The daemon being absent or logged
// out is a normal condition: lookups degrade to empty results instead
// of failing.
package tailnet

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"tailscale.com/ipn/ipnstate"
)

// Device is one tailnet member as seen from this node.
type Device struct {
	Name string
	IP   string
}

// Roster lists the devices of the tailnet this host belongs to.
type Roster interface {
	Devices(ctx context.Context) ([]Device, error)
}

// CLIRoster reads the roster from `tailscale status --json`.
type CLIRoster struct {
	// BinPath overrides the tailscale binary path. Empty means "tailscale"
	// resolved via PATH.
	BinPath string
}

// Devices returns the tailnet peers that report at least one address.
// A missing binary or a daemon that is not running yields an empty
// roster and no error.
func (r *CLIRoster) Devices(ctx context.Context) ([]Device, error) {
	status, ok := r.status(ctx)
	if !ok {
		return nil, nil
	}

	devices := make([]Device, 0, len(status.Peer))
	for _, peer := range status.Peer {
		if peer == nil || len(peer.TailscaleIPs) == 0 {
			continue
		}
		devices = append(devices, Device{
			Name: deviceName(peer),
			IP:   peer.TailscaleIPs[0].String(),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// Self returns this node's tailscale IP and DNS name, or empty strings
// when the daemon is unavailable.
func (r *CLIRoster) Self(ctx context.Context) (ip, name string) {
	status, ok := r.status(ctx)
	if !ok || status.Self == nil {
		return "", ""
	}

	if len(status.Self.TailscaleIPs) > 0 {
		ip = status.Self.TailscaleIPs[0].String()
	}
	name = deviceName(status.Self)
	return ip, name
}

func (r *CLIRoster) status(ctx context.Context) (*ipnstate.Status, bool) {
	bin := r.BinPath
	if bin == "" {
		bin = "tailscale"
	}

	out, err := exec.CommandContext(ctx, bin, "status", "--json").Output()
	if err != nil {
		return nil, false
	}

	var status ipnstate.Status
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, false
	}
	return &status, true
}

// ParseStatus decodes raw `tailscale status --json` output into the
// roster representation. Split out for testing against captured output.
func ParseStatus(raw []byte) (self Device, peers []Device, err error) {
	var status ipnstate.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Device{}, nil, fmt.Errorf("parse tailscale status: %w", err)
	}

	if status.Self != nil {
		self = Device{Name: deviceName(status.Self)}
		if len(status.Self.TailscaleIPs) > 0 {
			self.IP = status.Self.TailscaleIPs[0].String()
		}
	}

	for _, peer := range status.Peer {
		if peer == nil || len(peer.TailscaleIPs) == 0 {
			continue
		}
		peers = append(peers, Device{Name: deviceName(peer), IP: peer.TailscaleIPs[0].String()})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	return self, peers, nil
}

func deviceName(peer *ipnstate.PeerStatus) string {
	name := strings.TrimSuffix(peer.DNSName, ".")
	if name == "" {
		name = peer.HostName
	}
	return name
}
