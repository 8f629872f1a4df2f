// Package agent implements the fleet agent: the TCP server peers call
// into, the per-call client used to reach peers, and the best-effort
// configuration sync built on both.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"fleetd/config"
	"fleetd/protocol"
	"fleetd/storage"
)

// Server answers agent requests over TCP. The accept loop is
// deliberately sequential: one connection is fully serviced before the
// next is accepted, so a slow handler delays later callers rather than
// growing an unbounded handler set.
// infoSource yields the facts this agent reports about its own host.
type infoSource interface {
	Gather(ctx context.Context) protocol.HostInfo
}

type Server struct {
	cfg    *config.AgentConfig
	store  *storage.Store
	info   infoSource
	logger *slog.Logger

	listener  net.Listener
	closeOnce sync.Once
}

// NewServer builds a server over the local store. A nil logger falls
// back to slog.Default.
func NewServer(cfg *config.AgentConfig, store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		info:   NewInfoGatherer(cfg, store),
		logger: logger,
	}
}

// Listen binds the configured agent port. Bind failure is fatal to
// startup; there is no retry.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.AgentPort))
	if err != nil {
		return fmt.Errorf("bind agent port %d: %w", s.cfg.AgentPort, err)
	}
	s.listener = listener
	s.logger.Info("agent listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener
// fails. Per-connection errors are logged and never terminate the loop.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handleConn(ctx, conn)
	}
}

// Close shuts the listener down. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	return err
}

// handleConn services exactly one request/response exchange.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout()))

	req, err := protocol.ReadRequest(conn, protocol.MaxRequestBytes)
	if err != nil {
		s.logger.Warn("rejecting request", "remote", remote, "error", err)
		_ = protocol.WriteResponse(conn, protocol.ErrorResponse(err.Error()))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.logger.Debug("handling request", "remote", remote, "kind", string(req.Kind))

	resp := s.dispatch(ctx, req)
	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Warn("write response failed", "remote", remote, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.KindPing:
		return protocol.PongResponse()
	case protocol.KindGetHostInfo:
		return protocol.HostInfoResponse(s.info.Gather(ctx))
	case protocol.KindExecuteCommand:
		return s.handleExecuteCommand(ctx, req.ExecuteCommand)
	case protocol.KindSyncConfig:
		// The payload is opaque here; applying it is the sender's
		// concern. Accepting is always a success.
		return protocol.SuccessResponse("")
	case protocol.KindSyncDatabase:
		return s.handleSyncDatabase(req.SyncDatabase)
	default:
		return protocol.ErrorResponse(fmt.Sprintf("unsupported request kind %q", req.Kind))
	}
}

// handleExecuteCommand runs a command locally and captures its output.
// When the agent has a token configured, callers must present it; an
// agent without a token accepts any caller on its network.
func (s *Server) handleExecuteCommand(ctx context.Context, payload *protocol.ExecuteCommandPayload) protocol.Response {
	if payload == nil || payload.Command == "" {
		return protocol.ErrorResponse("empty command")
	}
	if s.cfg.Token != "" && payload.Token != s.cfg.Token {
		return protocol.ErrorResponse("invalid token")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := stderr.String()
		if message == "" {
			message = err.Error()
		}
		return protocol.ErrorResponse(message)
	}
	return protocol.SuccessResponse(stdout.String())
}

// handleSyncDatabase returns a full snapshot of locally known host
// configs, settings and sealed env entries. The caller's last_sync is
// accepted but not used to narrow the snapshot.
func (s *Server) handleSyncDatabase(payload *protocol.SyncDatabasePayload) protocol.Response {
	if payload == nil {
		return protocol.ErrorResponse("missing sync payload")
	}
	if s.store == nil {
		return protocol.ErrorResponse("no local store")
	}

	snapshot, err := s.store.ExportSnapshot(s.cfg.LocalHostname())
	if err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("export snapshot: %v", err))
	}
	encoded, err := storage.EncodeSnapshot(snapshot)
	if err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("encode snapshot: %v", err))
	}
	return protocol.SuccessResponse(encoded)
}
