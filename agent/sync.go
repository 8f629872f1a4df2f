package agent

import (
	"context"
	"log/slog"
	"time"

	"fleetd/config"
	"fleetd/discovery"
	"fleetd/netutil"
	"fleetd/storage"
)

// ConfigSync pulls state from discovered peers into the local store.
// Both operations are best-effort: a failing peer is skipped and the
// loop continues with the next one.
type ConfigSync struct {
	cfg    *config.AgentConfig
	store  *storage.Store
	logger *slog.Logger
}

// NewConfigSync builds a syncer over the local store. A nil logger
// falls back to slog.Default.
func NewConfigSync(cfg *config.AgentConfig, store *storage.Store, logger *slog.Logger) *ConfigSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigSync{cfg: cfg, store: store, logger: logger}
}

func (cs *ConfigSync) client(peer discovery.Host) *Client {
	port := peer.AgentPort
	if port <= 0 {
		port = cs.cfg.AgentPort
	}
	return &Client{
		Host:    peer.IdentityKey(),
		Port:    port,
		Token:   cs.cfg.Token,
		Timeout: cs.cfg.ClientTimeout(),
	}
}

// SyncHostInfo asks every reachable peer for its host facts. The
// provisioning facts always overwrite the local record; the discovered
// addresses only fill host-config fields that are still unset, so a
// locally configured value is never clobbered by a remote one.
// Returns the number of peers whose info was stored.
func (cs *ConfigSync) SyncHostInfo(ctx context.Context, peers []discovery.Host) int {
	synced := 0
	for _, peer := range peers {
		if !peer.Reachable || peer.IdentityKey() == "" {
			continue
		}

		info, err := cs.client(peer).GetHostInfo(ctx)
		if err != nil {
			cs.logger.Debug("skipping peer for host info", "peer", peer.IdentityKey(), "error", err)
			continue
		}
		if info.Hostname == "" {
			continue
		}

		if err := cs.store.StoreHostInfo(info.Hostname, info.DockerVersion,
			info.TailscaleInstalled, info.PortainerInstalled, time.Now().UnixMilli()); err != nil {
			cs.logger.Warn("store host info failed", "hostname", info.Hostname, "error", err)
			continue
		}
		synced++

		current := storage.HostConfig{}
		if existing, err := cs.store.GetHostConfig(info.Hostname); err == nil {
			current = *existing
		}

		merged := current
		if merged.IP == "" {
			if info.LocalIP != "" {
				merged.IP = info.LocalIP
			} else {
				merged.IP = peer.IdentityKey()
			}
		}
		if merged.Tailscale == "" {
			merged.Tailscale = info.TailscaleHostname
		}

		if merged != current {
			if err := cs.store.StoreHostConfig(info.Hostname, merged); err != nil {
				cs.logger.Warn("store host config failed", "hostname", info.Hostname, "error", err)
			}
		}
	}
	return synced
}

// SyncEncryptedData pulls a full snapshot from every reachable non-self
// peer and writes its host configs, settings and sealed env entries
// into the local store. Incoming values overwrite existing ones; the
// last peer synced wins, not the last writer by timestamp.
// Returns the number of peers whose snapshot was applied.
func (cs *ConfigSync) SyncEncryptedData(ctx context.Context, peers []discovery.Host) int {
	localHostname := cs.cfg.LocalHostname()
	selfAddrs := cs.selfAddrs()

	synced := 0
	for _, peer := range peers {
		if !peer.Reachable || peer.IdentityKey() == "" {
			continue
		}
		if peer.Hostname == localHostname || selfAddrs[peer.IdentityKey()] {
			continue
		}

		snapshot, err := cs.client(peer).SyncDatabase(ctx, localHostname, nil)
		if err != nil {
			cs.logger.Debug("skipping peer for data sync", "peer", peer.IdentityKey(), "error", err)
			continue
		}
		if snapshot.FromHostname == localHostname {
			continue
		}

		cs.applySnapshot(snapshot)
		synced++
		cs.logger.Info("synced data from peer",
			"peer", snapshot.FromHostname,
			"hosts", len(snapshot.Hosts),
			"settings", len(snapshot.Settings),
			"env", len(snapshot.Env))
	}
	return synced
}

func (cs *ConfigSync) applySnapshot(snapshot *storage.Snapshot) {
	for hostname, hostConfig := range snapshot.Hosts {
		if hostname == "" || hostConfig.IsZero() {
			continue
		}
		if err := cs.store.StoreHostConfig(hostname, hostConfig); err != nil {
			cs.logger.Warn("apply host config failed", "hostname", hostname, "error", err)
		}
	}
	for key, value := range snapshot.Settings {
		if key == "" {
			continue
		}
		if err := cs.store.SetSetting(key, value); err != nil {
			cs.logger.Warn("apply setting failed", "key", key, "error", err)
		}
	}
	for _, entry := range snapshot.Env {
		if entry.Key == "" {
			continue
		}
		if err := cs.store.UpsertEnvEntry(entry.Hostname, entry.Key, entry.EncryptedValue); err != nil {
			cs.logger.Warn("apply env entry failed", "key", entry.Key, "error", err)
		}
	}
}

func (cs *ConfigSync) selfAddrs() map[string]bool {
	addrs := make(map[string]bool)
	if local, err := netutil.LocalIPv4s(); err == nil {
		for _, addr := range local {
			addrs[addr.String()] = true
		}
	}
	return addrs
}

// SyncOnce runs both sync operations against one peer set and returns
// their per-operation success counts.
func (cs *ConfigSync) SyncOnce(ctx context.Context, peers []discovery.Host) (infoSynced, dataSynced int) {
	infoSynced = cs.SyncHostInfo(ctx, peers)
	dataSynced = cs.SyncEncryptedData(ctx, peers)
	return infoSynced, dataSynced
}

// DiscoverFunc produces the current peer set for a sync round.
type DiscoverFunc func(ctx context.Context) ([]discovery.Host, error)

// RunPeriodic runs discover-then-sync rounds until ctx is cancelled.
// The first round starts immediately; later rounds follow the
// configured interval.
func (cs *ConfigSync) RunPeriodic(ctx context.Context, discover DiscoverFunc) {
	interval := cs.cfg.SyncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		cs.syncRound(ctx, discover)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (cs *ConfigSync) syncRound(ctx context.Context, discover DiscoverFunc) {
	peers, err := discover(ctx)
	if err != nil {
		cs.logger.Warn("discovery incomplete", "error", err)
	}
	if len(peers) == 0 {
		return
	}
	cs.SyncOnce(ctx, peers)
}
