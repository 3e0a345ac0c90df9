package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/store"
)

// State keys recorded in the store at startup.
const (
	stateKeyInstanceID = "daemon_instance_id"
	stateKeyStartedAt  = "daemon_started_at"
)

// Daemon wires the lock, PID file, store, orchestrator and socket server
// into one process lifecycle.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	socketPath string
	pidPath    string
	lockPath   string
	dbPath     string

	lock   *FileLock
	store  *store.Store
	shares *Shares
	server *Server

	shutdownCh       chan struct{}
	shutdownOnce     sync.Once
	shutdownComplete atomic.Bool
}

// New creates a daemon using the standard state directory layout.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	socketPath, err := paths.SocketPath()
	if err != nil {
		return nil, err
	}
	pidPath, err := paths.PIDPath()
	if err != nil {
		return nil, err
	}
	lockPath, err := paths.LockPath()
	if err != nil {
		return nil, err
	}
	dbPath, err := paths.DBPath()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		socketPath: socketPath,
		pidPath:    pidPath,
		lockPath:   lockPath,
		dbPath:     dbPath,
		shutdownCh: make(chan struct{}),
	}, nil
}

// SocketPath returns the unix socket this daemon serves on.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Shares exposes the orchestrator. Nil until Run has started the daemon.
func (d *Daemon) Shares() *Shares { return d.shares }

// RequestShutdown begins graceful shutdown. Safe to call more than once and
// from any goroutine.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Run starts the daemon and blocks until shutdown completes. Only one
// daemon can run per state directory; a second Run fails on the lock.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.lockPath)
	if err != nil {
		return err
	}
	d.lock = lock

	running, info, err := CheckPIDFile(d.pidPath)
	if err != nil {
		lock.Release()
		return err
	}
	if running {
		lock.Release()
		return fmt.Errorf("daemon already running (pid %d)", info.PID)
	}

	st, err := store.Open(d.dbPath)
	if err != nil {
		lock.Release()
		return err
	}
	d.store = st
	d.shares = NewShares(st, d.cfg, d.logger)

	// The lock guarantees the previous daemon is gone, so anything still
	// marked active or starting lost its processes.
	if n, err := d.shares.RestoreOnStartup(); err != nil {
		d.logger.Error("restore shares", "error", err)
	} else if n > 0 {
		d.logger.Info("reconciled orphaned shares", "count", n)
	}
	if _, err := d.shares.CleanupOldShares(); err != nil {
		d.logger.Error("cleanup old shares", "error", err)
	}

	startedAt := time.Now().UTC()
	instanceID := ulid.Make().String()
	if err := st.SetState(stateKeyInstanceID, instanceID); err != nil {
		d.logger.Error("record instance id", "error", err)
	}
	if err := st.SetState(stateKeyStartedAt, startedAt.Format(time.RFC3339)); err != nil {
		d.logger.Error("record start time", "error", err)
	}

	if err := WritePIDFile(d.pidPath, PIDInfo{
		PID:        os.Getpid(),
		SocketPath: d.socketPath,
		StartedAt:  startedAt,
	}); err != nil {
		st.Close()
		lock.Release()
		return err
	}

	// Safety net: if Run exits any way other than the shutdown path below,
	// the lock and PID file still get cleaned up.
	defer func() {
		if d.shutdownComplete.Load() {
			return
		}
		RemovePIDFile(d.pidPath)
		d.lock.Release()
	}()

	d.server = NewServer(d.socketPath, d.shares, d.logger, d.RequestShutdown)
	if err := d.server.Start(); err != nil {
		st.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		d.logger.Info("received signal", "signal", sig.String())
		d.RequestShutdown()
	}()

	d.logger.Info("daemon started",
		"pid", os.Getpid(),
		"instance_id", instanceID,
		"socket", d.socketPath)

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}

	return d.shutdownGracefully()
}

func (d *Daemon) shutdownGracefully() error {
	d.logger.Info("shutting down")

	if err := d.server.Stop(); err != nil {
		d.logger.Error("stop server", "error", err)
	}
	d.shares.StopAll()
	if err := d.store.Close(); err != nil {
		d.logger.Error("close store", "error", err)
	}
	if err := RemovePIDFile(d.pidPath); err != nil {
		d.logger.Error("remove PID file", "error", err)
	}
	if err := d.lock.Release(); err != nil {
		d.logger.Error("release lock", "error", err)
	}

	d.shutdownComplete.Store(true)
	d.logger.Info("shutdown complete")
	return nil
}
