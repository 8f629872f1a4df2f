package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"fleetd/config"
	"fleetd/protocol"
	"fleetd/storage"
)

// Client calls one remote agent. Every method opens a fresh TCP
// connection, performs exactly one request/response exchange under the
// configured timeout and closes it; there is no connection reuse.
type Client struct {
	Host    string
	Port    int
	Token   string
	Timeout time.Duration
}

// NewClient builds a client for host with default port and timeout.
func NewClient(host string) *Client {
	return &Client{
		Host:    host,
		Port:    config.DefaultAgentPort,
		Timeout: config.DefaultClientTimeout,
	}
}

func (c *Client) addr() string {
	port := c.Port
	if port <= 0 {
		port = config.DefaultAgentPort
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

// call performs one exchange. The timeout covers connect, write and
// read together; a hung or silent peer fails the call, never blocks it.
func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = config.DefaultClientTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connect %s: %w", c.addr(), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Response{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Kind, err)
	}

	resp, err := protocol.ReadResponse(conn, protocol.MaxResponseBytes)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response to %s: %w", req.Kind, err)
	}
	return resp, nil
}

// mapError turns an Error response into a RemoteError and any other
// kind mismatch into ErrUnexpectedResponse.
func mapError(resp protocol.Response, want protocol.ResponseKind) error {
	if resp.Kind == protocol.KindError {
		return &RemoteError{Message: resp.Message}
	}
	return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, resp.Kind, want)
}

// Ping succeeds iff the peer answers with exactly Pong.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.PingRequest())
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindPong {
		return mapError(resp, protocol.KindPong)
	}
	return nil
}

// GetHostInfo fetches the peer's self-reported host facts.
func (c *Client) GetHostInfo(ctx context.Context) (*protocol.HostInfo, error) {
	resp, err := c.call(ctx, protocol.GetHostInfoRequest())
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.KindHostInfo || resp.HostInfo == nil {
		return nil, mapError(resp, protocol.KindHostInfo)
	}
	return resp.HostInfo, nil
}

// ExecuteCommand runs a command on the peer and returns its captured
// stdout.
func (c *Client) ExecuteCommand(ctx context.Context, command string, args []string) (string, error) {
	resp, err := c.call(ctx, protocol.ExecuteCommandRequest(command, args, c.Token))
	if err != nil {
		return "", err
	}
	if resp.Kind != protocol.KindSuccess {
		return "", mapError(resp, protocol.KindSuccess)
	}
	return resp.Output, nil
}

// SyncConfig pushes opaque configuration bytes to the peer.
func (c *Client) SyncConfig(ctx context.Context, data []byte) error {
	resp, err := c.call(ctx, protocol.SyncConfigRequest(data))
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindSuccess {
		return mapError(resp, protocol.KindSuccess)
	}
	return nil
}

// SyncDatabase pulls the peer's configuration snapshot.
func (c *Client) SyncDatabase(ctx context.Context, fromHostname string, lastSync *int64) (*storage.Snapshot, error) {
	resp, err := c.call(ctx, protocol.SyncDatabaseRequest(fromHostname, lastSync))
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.KindSuccess {
		return nil, mapError(resp, protocol.KindSuccess)
	}

	snapshot, err := storage.DecodeSnapshot(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("decode peer snapshot: %w", err)
	}
	return snapshot, nil
}
