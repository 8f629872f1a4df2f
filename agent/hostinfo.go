package agent

import (
	"context"
	"os/exec"
	"strings"

	"fleetd/config"
	"fleetd/netutil"
	"fleetd/protocol"
	"fleetd/storage"
	"fleetd/tailnet"
)

// runCmdFunc runs a local command and returns its trimmed stdout.
type runCmdFunc func(ctx context.Context, name string, args ...string) (string, error)

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// InfoGatherer assembles the HostInfo this agent reports about its own
// host. Every sub-probe degrades its field to empty or false on
// failure; Gather itself never fails.
type InfoGatherer struct {
	cfg    *config.AgentConfig
	store  *storage.Store
	roster *tailnet.CLIRoster

	run      runCmdFunc
	lookPath func(file string) (string, error)
}

// NewInfoGatherer builds a gatherer over the local store and the
// tailscale CLI. store may be nil when no database is open.
func NewInfoGatherer(cfg *config.AgentConfig, store *storage.Store) *InfoGatherer {
	return &InfoGatherer{
		cfg:      cfg,
		store:    store,
		roster:   &tailnet.CLIRoster{},
		run:      runCmd,
		lookPath: exec.LookPath,
	}
}

// Gather probes the local host and returns its current facts, filling
// gaps from the stored provisioning record where live probes fail.
func (g *InfoGatherer) Gather(ctx context.Context) protocol.HostInfo {
	info := protocol.HostInfo{Hostname: g.cfg.LocalHostname()}

	if addrs, err := netutil.LocalIPv4s(); err == nil && len(addrs) > 0 {
		info.LocalIP = addrs[0].String()
	}

	if _, err := g.lookPath("tailscale"); err == nil {
		info.TailscaleInstalled = true
	}
	if ip, name := g.roster.Self(ctx); ip != "" {
		info.TailscaleIP = ip
		info.TailscaleHostname = name
		info.TailscaleInstalled = true
	}

	if version, err := g.run(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err == nil {
		info.DockerVersion = version
	}
	if names, err := g.run(ctx, "docker", "ps", "--filter", "name=portainer", "--format", "{{.Names}}"); err == nil && names != "" {
		info.PortainerInstalled = true
	}

	if g.store != nil {
		if record, err := g.store.GetHostRecord(info.Hostname); err == nil {
			if info.DockerVersion == "" {
				info.DockerVersion = record.DockerVersion
			}
			info.TailscaleInstalled = info.TailscaleInstalled || record.TailscaleInstalled
			info.PortainerInstalled = info.PortainerInstalled || record.PortainerInstalled
		}
	}

	return info
}
