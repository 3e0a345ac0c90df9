// Package frontend tracks daemon connection health on behalf of an
// interactive front-end and re-syncs the share list after restarts.
package frontend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/daemon"
	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/protocol"
)

// ConnState is the front-end's view of the daemon connection.
type ConnState int

const (
	StateNotConnected ConnState = iota
	StateConnecting
	StateConnected
	// StateDaemonNotRunning is a valid steady state, not an error. It is
	// reached when no daemon is up and auto-start is disabled.
	StateDaemonNotRunning
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateNotConnected:
		return "not connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDaemonNotRunning:
		return "daemon not running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Conn drives connection setup asynchronously so the front-end never blocks
// on daemon startup.
type Conn struct {
	cfg    *config.Config
	logger *slog.Logger

	// connect is swapped out in tests.
	connect func() (*daemon.Client, error)

	// OnNotice, when set, receives user-facing messages such as the
	// reconnect summary. Called from the connect goroutine.
	OnNotice func(string)

	mu     sync.Mutex
	state  ConnState
	err    error
	client *daemon.Client
	shares []protocol.ShareInfo
	gen    int
}

// NewConn creates a connection tracker in the NotConnected state.
func NewConn(cfg *config.Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Conn{cfg: cfg, logger: logger, state: StateNotConnected}
	c.connect = func() (*daemon.Client, error) {
		if cfg.Daemon.AutoStartEnabled() {
			return daemon.ConnectOrStart()
		}
		return daemon.Connect()
	}
	return c
}

// State returns the current connection state and, for StateFailed, the
// error that caused it.
func (c *Conn) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// Shares returns the last fetched share list. The list is only
// authoritative while Connected; callers must not display it as current
// otherwise.
func (c *Conn) Shares() (shares []protocol.ShareInfo, authoritative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shares, c.state == StateConnected
}

// Client returns the connected client, or nil outside StateConnected.
func (c *Conn) Client() *daemon.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.client
}

// Init moves to Connecting and starts a connection attempt in the
// background.
func (c *Conn) Init() {
	c.mu.Lock()
	c.state = StateConnecting
	c.err = nil
	c.gen++
	gen := c.gen
	old := c.client
	c.client = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.attempt(gen)
}

// Retry discards a Failed or DaemonNotRunning state and reconnects. In any
// other state it is a no-op.
func (c *Conn) Retry() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateFailed, StateDaemonNotRunning, StateNotConnected:
		c.Init()
	}
}

// Close tears down the connection and returns to NotConnected.
func (c *Conn) Close() {
	c.mu.Lock()
	c.gen++
	c.state = StateNotConnected
	c.err = nil
	client := c.client
	c.client = nil
	c.shares = nil
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

func (c *Conn) attempt(gen int) {
	client, err := c.connect()
	if err != nil {
		if errors.Is(err, daemon.ErrDaemonNotRunning) {
			c.finish(gen, nil, nil, StateDaemonNotRunning, nil)
			return
		}
		c.finish(gen, nil, nil, StateFailed, err)
		return
	}

	shares, err := client.ListShares()
	if err != nil {
		client.Close()
		c.finish(gen, nil, nil, StateFailed, err)
		return
	}

	if !c.finish(gen, client, shares, StateConnected, nil) {
		client.Close()
		return
	}

	active := 0
	for _, s := range shares {
		if s.Status == protocol.StatusActive {
			active++
		}
	}
	if active > 0 {
		c.notify(fmt.Sprintf("reconnected to %d active share(s)", active))
	}
	c.logger.Debug("connected to daemon", "shares", len(shares), "active", active)
}

// finish installs the attempt's outcome unless a newer Init or Close has
// superseded it. Reports whether the outcome was kept.
func (c *Conn) finish(gen int, client *daemon.Client, shares []protocol.ShareInfo, state ConnState, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state = state
	c.err = err
	c.client = client
	c.shares = shares
	return true
}

func (c *Conn) notify(msg string) {
	if c.OnNotice != nil {
		c.OnNotice(msg)
	}
}

// DaemonRunning reports whether a usable daemon exists, judged by the
// process-identity marker rather than by connecting.
func DaemonRunning() (bool, error) {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return false, err
	}
	running, _, err := daemon.CheckPIDFile(pidPath)
	return running, err
}
