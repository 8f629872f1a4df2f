// fleetd is a homelab fleet agent: it answers peer requests over a
// small TCP protocol, discovers other agents on the tailnet and local
// subnet, and keeps host configuration synchronized between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"fleetd/agent"
	"fleetd/config"
	"fleetd/discovery"
	"fleetd/secrets"
	"fleetd/storage"
	"fleetd/tailnet"
)

const usageText = `fleetd - homelab fleet agent

Usage:
  fleetd <command> [flags]

Commands:
  start                      Run the agent daemon
  status                     Show local agent status
  discover [--verbose]       Find reachable agents
  sync                       Run one sync round against discovered peers
  ping <host>                Check whether an agent answers
  info <host>                Fetch a peer's host facts
  exec <host> <cmd> [args]   Run a command on a peer
  env set <host> <key> <value>
  env get <host> <key>
  env list                   Manage sealed environment values
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "discover":
		err = runDiscover(ctx, os.Args[2:])
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "ping":
		err = runPing(ctx, os.Args[2:])
	case "info":
		err = runInfo(ctx, os.Args[2:])
	case "exec":
		err = runExec(ctx, os.Args[2:])
	case "env":
		err = runEnv(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openEnvironment loads the agent config and opens the local store.
func openEnvironment() (*config.AgentConfig, string, *storage.Store, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", nil, err
	}
	dataDir := filepath.Dir(cfgPath)

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, dataDir, store, nil
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// strategies builds the discovery producers for the current config.
func strategies(cfg *config.AgentConfig) []discovery.Strategy {
	all := []discovery.Strategy{
		&discovery.TailnetStrategy{
			Roster:  &tailnet.CLIRoster{},
			Port:    cfg.AgentPort,
			Timeout: cfg.ProbeTimeout(),
		},
		&discovery.SubnetStrategy{
			Port:        cfg.AgentPort,
			Timeout:     cfg.ProbeTimeout(),
			Concurrency: cfg.ProbeConcurrency,
		},
	}
	if cfg.MDNSEnabled {
		all = append(all, &discovery.MDNSStrategy{})
	}
	return all
}

func discoverPeers(ctx context.Context, cfg *config.AgentConfig) ([]discovery.Host, error) {
	return discovery.DiscoverAll(ctx, strategies(cfg)...)
}

func peerClient(cfg *config.AgentConfig, host string) *agent.Client {
	return &agent.Client{
		Host:    host,
		Port:    cfg.AgentPort,
		Token:   cfg.Token,
		Timeout: cfg.ClientTimeout(),
	}
}

func runStart(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("start", pflag.ContinueOnError)
	debug := flags.Bool("debug", false, "enable debug logging")
	noSync := flags.Bool("no-sync", false, "disable the periodic background sync")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, dataDir, store, err := openEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := secrets.Open(dataDir); err != nil {
		return fmt.Errorf("prepare secrets key: %w", err)
	}

	logger := setupLogger(*debug)
	slog.SetDefault(logger)

	server := agent.NewServer(cfg, store, logger)
	if err := server.Listen(); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Agent:     %s (%s)\n", cfg.LocalHostname(), cfg.AgentID)
	green.Print("  ▶ ")
	fmt.Printf("Listening: %s\n", server.Addr())
	green.Print("  ▶ ")
	fmt.Printf("Data dir:  %s\n", dataDir)

	pidPath := filepath.Join(dataDir, "fleetd.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		logger.Warn("write pid file failed", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if cfg.MDNSEnabled {
		announcer, err := discovery.Announce(cfg.LocalHostname(), cfg.AgentID, cfg.AgentPort)
		if err != nil {
			logger.Warn("mDNS announce failed", "error", err)
		} else {
			defer announcer.Stop()
			green.Print("  ▶ ")
			fmt.Println("mDNS:      announcing")
		}
	}

	if !*noSync {
		syncer := agent.NewConfigSync(cfg, store, logger)
		go syncer.RunPeriodic(ctx, func(ctx context.Context) ([]discovery.Host, error) {
			return discoverPeers(ctx, cfg)
		})
		green.Print("  ▶ ")
		fmt.Printf("Sync:      every %s\n", cfg.SyncInterval())
	}

	fmt.Println("\nPress Ctrl+C to stop.")
	return server.Serve(ctx)
}

func runStatus(ctx context.Context, args []string) error {
	cfg, dataDir, store, err := openEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	hosts, err := store.ListHosts()
	if err != nil {
		return err
	}
	settings, err := store.ListSettings()
	if err != nil {
		return err
	}

	fmt.Printf("Agent ID:   %s\n", cfg.AgentID)
	fmt.Printf("Hostname:   %s\n", cfg.LocalHostname())
	fmt.Printf("Port:       %d\n", cfg.AgentPort)
	fmt.Printf("Data dir:   %s\n", dataDir)
	fmt.Printf("Hosts:      %d known\n", len(hosts))
	fmt.Printf("Settings:   %d stored\n", len(settings))

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ClientTimeout())
	defer cancel()
	local := peerClient(cfg, "127.0.0.1")
	fmt.Print("Daemon:     ")
	if err := local.Ping(probeCtx); err != nil {
		color.Red("not running")
	} else {
		color.Green("running")
	}
	return nil
}

func runDiscover(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	verbose := flags.BoolP("verbose", "v", false, "show per-host details")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	started := time.Now()
	peers, derr := discoverPeers(ctx, cfg)
	if derr != nil {
		color.Yellow("warning: discovery incomplete: %v", derr)
	}

	if len(peers) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	fmt.Printf("Found %d agent(s) in %s:\n", len(peers), time.Since(started).Round(time.Millisecond))
	for _, peer := range peers {
		source := "local"
		if peer.TailscaleIP != "" {
			source = "tailnet"
		}
		if *verbose {
			fmt.Printf("  %-24s %-16s via %s port %d\n",
				peer.Hostname, peer.IdentityKey(), source, peer.AgentPort)
		} else {
			fmt.Printf("  %-24s %s\n", peer.Hostname, peer.IdentityKey())
		}
	}
	return nil
}

func runSync(ctx context.Context, args []string) error {
	cfg, _, store, err := openEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	peers, derr := discoverPeers(ctx, cfg)
	if derr != nil {
		color.Yellow("warning: discovery incomplete: %v", derr)
	}
	if len(peers) == 0 {
		fmt.Println("No peers to sync with.")
		return nil
	}

	syncer := agent.NewConfigSync(cfg, store, setupLogger(false))
	infoSynced, dataSynced := syncer.SyncOnce(ctx, peers)
	color.Green("Synced with %d peer(s): %d host-info, %d snapshots.",
		len(peers), infoSynced, dataSynced)
	return nil
}

func runPing(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fleetd ping <host>")
	}
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	started := time.Now()
	if err := peerClient(cfg, args[0]).Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", args[0], err)
	}
	color.Green("%s answered in %s", args[0], time.Since(started).Round(time.Millisecond))
	return nil
}

func runInfo(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fleetd info <host>")
	}
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	info, err := peerClient(cfg, args[0]).GetHostInfo(ctx)
	if err != nil {
		return fmt.Errorf("get host info from %s: %w", args[0], err)
	}

	fmt.Printf("Hostname:   %s\n", info.Hostname)
	fmt.Printf("Local IP:   %s\n", orDash(info.LocalIP))
	fmt.Printf("Tailscale:  %s (%s)\n", orDash(info.TailscaleHostname), orDash(info.TailscaleIP))
	fmt.Printf("Docker:     %s\n", orDash(info.DockerVersion))
	fmt.Printf("Installed:  tailscale=%v portainer=%v\n", info.TailscaleInstalled, info.PortainerInstalled)
	return nil
}

func runExec(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fleetd exec <host> <command> [args...]")
	}
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	host, command := args[0], args[1]
	commandArgs := args[2:]

	out, err := peerClient(cfg, host).ExecuteCommand(ctx, command, commandArgs)
	if err != nil {
		if remote, ok := agent.AsRemote(err); ok {
			return fmt.Errorf("%s: %s", host, remote.Message)
		}
		return err
	}
	fmt.Print(out)
	return nil
}

func runEnv(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fleetd env <set|get|list> ...")
	}

	_, dataDir, store, err := openEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	keeper, err := secrets.Open(dataDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "set":
		if len(args) != 4 {
			return fmt.Errorf("usage: fleetd env set <host> <key> <value>")
		}
		host, key, value := args[1], args[2], args[3]
		sealed, err := keeper.Seal(host, value)
		if err != nil {
			return err
		}
		if err := store.UpsertEnvEntry(host, key, sealed); err != nil {
			return err
		}
		color.Green("Stored %s for %s.", key, host)
		return nil
	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: fleetd env get <host> <key>")
		}
		host, key := args[1], args[2]
		entry, err := store.GetEnvEntry(host, key)
		if err != nil {
			return err
		}
		value, err := keeper.Unseal(host, entry.EncryptedValue)
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	case "list":
		entries, err := store.ListEnvEntries()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No environment values stored.")
			return nil
		}
		for _, entry := range entries {
			host := entry.Hostname
			if host == "" {
				host = "(global)"
			}
			fmt.Printf("  %-20s %s\n", host, entry.Key)
		}
		return nil
	default:
		return fmt.Errorf("unknown env subcommand %q", args[0])
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
