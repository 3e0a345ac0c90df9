package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tracecast/tracecast/internal/protocol"
)

// Server accepts client connections on the daemon's unix socket and
// dispatches protocol requests to the share orchestrator.
type Server struct {
	socketPath string
	shares     *Shares
	logger     *slog.Logger

	// onShutdown fires once when a client sends Shutdown.
	onShutdown   func()
	shutdownOnce sync.Once

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a server. onShutdown may be nil.
func NewServer(socketPath string, shares *Shares, logger *slog.Logger, onShutdown func()) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		socketPath: socketPath,
		shares:     shares,
		logger:     logger,
		onShutdown: onShutdown,
	}
}

// Start begins listening on the unix socket. A leftover socket file from a
// dead daemon is removed; a socket with a live daemon behind it is an error.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// The socket carries control of the user's shares; keep it private.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.shutdown = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("listening", "socket", s.socketPath)
	return nil
}

func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s already in use by a running daemon", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	s.logger.Info("removed stale socket", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and waits up to five seconds for in-flight
// connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to drain")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isShuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves one client. Request handling errors become Error
// responses; only a broken connection ends the loop. A failing request must
// never take the daemon down with it.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if s.isShuttingDown() {
			return
		}

		var req protocol.Request
		if err := protocol.ReadFrame(reader, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read request", "error", err)
			return
		}

		resp := s.dispatch(req)
		if err := protocol.WriteFrame(writer, resp); err != nil {
			s.logger.Warn("write response", "error", err)
			return
		}

		if req.Method == protocol.MethodShutdown {
			s.triggerShutdown()
			return
		}
	}
}

func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() {
		if s.onShutdown != nil {
			go s.onShutdown()
		}
	})
}

func (s *Server) dispatch(req protocol.Request) protocol.Response {
	switch req.Method {
	case protocol.MethodPing:
		return protocol.PongResponse()

	case protocol.MethodListShares:
		shares, err := s.shares.ListShares()
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		resp, err := protocol.ShareListResponse(shares)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return resp

	case protocol.MethodStartShare:
		params, err := protocol.DecodeStartShare(req)
		if err != nil {
			return protocol.ErrorResponse(fmt.Sprintf("invalid StartShare params: %v", err))
		}
		info, err := s.shares.StartShare(params.SessionPath, params.Provider)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		resp, err := protocol.ShareStartedResponse(info)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return resp

	case protocol.MethodStopShare:
		params, err := protocol.DecodeStopShare(req)
		if err != nil {
			return protocol.ErrorResponse(fmt.Sprintf("invalid StopShare params: %v", err))
		}
		if err := s.shares.StopShare(params.ShareID); err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		resp, err := protocol.ShareStoppedResponse(params.ShareID)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return resp

	case protocol.MethodShutdown:
		return protocol.ShuttingDownResponse()

	default:
		return protocol.ErrorResponse(fmt.Sprintf("unknown method %q", req.Method))
	}
}
