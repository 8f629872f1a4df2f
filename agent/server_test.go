package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"fleetd/config"
	"fleetd/protocol"
	"fleetd/storage"
)

type staticInfo struct {
	info protocol.HostInfo
}

func (s *staticInfo) Gather(context.Context) protocol.HostInfo {
	return s.info
}

func testConfig(hostname string) *config.AgentConfig {
	return &config.AgentConfig{
		AgentID:          "test-agent",
		Hostname:         hostname,
		AgentPort:        0,
		ProbeTimeoutMS:   1000,
		ClientTimeoutMS:  2000,
		SyncIntervalSec:  1,
		ProbeConcurrency: 8,
	}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// startTestServer binds an ephemeral port, runs the accept loop in the
// background and returns a client pointed at it.
func startTestServer(t *testing.T, cfg *config.AgentConfig, store *storage.Store, info infoSource) (*Server, *Client) {
	t.Helper()

	server := NewServer(cfg, store, nil)
	if info != nil {
		server.info = info
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, err := net.SplitHostPort(server.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port, _ := strconv.Atoi(portStr)

	return server, &Client{Host: host, Port: port, Timeout: 2 * time.Second}
}

func TestPingPong(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestGetHostInfo(t *testing.T) {
	want := protocol.HostInfo{
		Hostname:           "nas",
		LocalIP:            "192.168.1.4",
		TailscaleIP:        "100.64.0.1",
		TailscaleHostname:  "nas.tail1234.ts.net",
		DockerVersion:      "27.0.3",
		TailscaleInstalled: true,
	}
	_, client := startTestServer(t, testConfig("nas"), openTestStore(t), &staticInfo{info: want})

	got, err := client.GetHostInfo(context.Background())
	if err != nil {
		t.Fatalf("GetHostInfo failed: %v", err)
	}
	if *got != want {
		t.Fatalf("host info = %+v, want %+v", *got, want)
	}
}

func TestExecuteCommand(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	out, err := client.ExecuteCommand(context.Background(), "echo", []string{"hello"})
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if out != "hello\n" {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteCommandFailureCarriesMessage(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	_, err := client.ExecuteCommand(context.Background(), "/nonexistent/binary", nil)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, ok := AsRemote(err); !ok {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestExecuteCommandRejectsBadToken(t *testing.T) {
	cfg := testConfig("server-host")
	cfg.Token = "secret"
	_, client := startTestServer(t, cfg, openTestStore(t), nil)

	client.Token = "wrong"
	_, err := client.ExecuteCommand(context.Background(), "echo", []string{"hi"})
	remote, ok := AsRemote(err)
	if !ok {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "invalid token" {
		t.Fatalf("message = %q", remote.Message)
	}

	client.Token = "secret"
	if _, err := client.ExecuteCommand(context.Background(), "echo", []string{"hi"}); err != nil {
		t.Fatalf("ExecuteCommand with valid token failed: %v", err)
	}
}

func TestSyncConfigAlwaysSucceeds(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	if err := client.SyncConfig(context.Background(), []byte(`{"whatever":true}`)); err != nil {
		t.Fatalf("SyncConfig failed: %v", err)
	}
}

func TestSyncDatabaseReturnsFullSnapshot(t *testing.T) {
	store := openTestStore(t)
	if err := store.StoreHostConfig("nas", storage.HostConfig{IP: "192.168.1.4"}); err != nil {
		t.Fatalf("seed host config: %v", err)
	}
	if err := store.SetSetting("backup_root", "/srv/backups"); err != nil {
		t.Fatalf("seed setting: %v", err)
	}
	_, client := startTestServer(t, testConfig("server-host"), store, nil)

	lastSync := int64(12345)
	snapshot, err := client.SyncDatabase(context.Background(), "caller-host", &lastSync)
	if err != nil {
		t.Fatalf("SyncDatabase failed: %v", err)
	}

	if snapshot.FromHostname != "server-host" {
		t.Fatalf("from = %q", snapshot.FromHostname)
	}
	// last_sync is accepted but the snapshot is always full.
	if snapshot.Hosts["nas"].IP != "192.168.1.4" {
		t.Fatalf("hosts = %+v", snapshot.Hosts)
	}
	if snapshot.Settings["backup_root"] != "/srv/backups" {
		t.Fatalf("settings = %+v", snapshot.Settings)
	}
}

func TestOversizeRequestDoesNotKillAcceptLoop(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	conn, err := net.Dial("tcp", client.addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, protocol.MaxRequestBytes+1)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}

	resp, err := protocol.ReadResponse(conn, protocol.MaxResponseBytes)
	conn.Close()
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if resp.Kind != protocol.KindError {
		t.Fatalf("got %s, want Error", resp.Kind)
	}

	// The loop must survive the bad connection.
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after oversize request failed: %v", err)
	}
}

func TestAcceptLoopIsSequential(t *testing.T) {
	_, client := startTestServer(t, testConfig("server-host"), openTestStore(t), nil)

	// Two concurrent slow commands must be serviced one after the
	// other, so the total wall time is at least their sum.
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.ExecuteCommand(context.Background(), "sleep", []string{"0.2"}); err != nil {
				t.Errorf("ExecuteCommand failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("two 200ms commands finished in %v, expected sequential service", elapsed)
	}
}

func TestClientTimesOutOnSilentPeer(t *testing.T) {
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

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	client := &Client{Host: host, Port: port, Timeout: 300 * time.Millisecond}

	start := time.Now()
	err = client.Ping(context.Background())
	if err == nil {
		t.Fatal("Ping succeeded against a silent peer")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Ping blocked for %v, want timeout-bounded", elapsed)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	server := NewServer(testConfig("server-host"), openTestStore(t), nil)
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after context cancel")
	}
}
