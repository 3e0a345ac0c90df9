package frontend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/daemon"
	"github.com/tracecast/tracecast/internal/protocol"
	"github.com/tracecast/tracecast/internal/store"
)

func startDaemonServer(t *testing.T, seed []protocol.ShareInfo) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tcf")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	for _, s := range seed {
		if err := st.InsertShare(s); err != nil {
			t.Fatal(err)
		}
	}

	shares := daemon.NewShares(st, &config.Config{}, nil)
	server := daemon.NewServer(socket, shares, nil, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return socket
}

func newTestConn(t *testing.T, socket string) *Conn {
	t.Helper()
	c := NewConn(&config.Config{}, nil)
	c.connect = func() (*daemon.Client, error) {
		return daemon.ConnectTo(socket)
	}
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Conn, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, _ := c.State()
		if state == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", state, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func activeShare(n int) protocol.ShareInfo {
	return protocol.ShareInfo{
		ID:           protocol.NewShareID(),
		SessionPath:  fmt.Sprintf("/tmp/s%d.jsonl", n),
		ProviderName: "mock",
		PublicURL:    fmt.Sprintf("https://s%d.example.com", n),
		StartedAt:    time.Date(2026, 8, 1, 10, n, 0, 0, time.UTC),
		Status:       protocol.StatusActive,
	}
}

func TestInitConnects(t *testing.T) {
	socket := startDaemonServer(t, []protocol.ShareInfo{activeShare(1), activeShare(2)})
	c := newTestConn(t, socket)

	notices := make(chan string, 1)
	c.OnNotice = func(msg string) { notices <- msg }

	c.Init()
	waitState(t, c, StateConnected)

	shares, ok := c.Shares()
	if !ok {
		t.Error("share list not authoritative while Connected")
	}
	if len(shares) != 2 {
		t.Errorf("len(shares) = %d, want 2", len(shares))
	}
	select {
	case msg := <-notices:
		if msg != "reconnected to 2 active share(s)" {
			t.Errorf("notice = %q", msg)
		}
	case <-time.After(time.Second):
		t.Error("no reconnect notice")
	}
}

func TestInitNoNoticeWithoutActiveShares(t *testing.T) {
	stopped := activeShare(1)
	stopped.Status = protocol.StatusStopped
	socket := startDaemonServer(t, []protocol.ShareInfo{stopped})
	c := newTestConn(t, socket)

	notices := make(chan string, 1)
	c.OnNotice = func(msg string) { notices <- msg }

	c.Init()
	waitState(t, c, StateConnected)

	select {
	case msg := <-notices:
		t.Errorf("unexpected notice %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInitDaemonNotRunning(t *testing.T) {
	c := NewConn(&config.Config{}, nil)
	c.connect = func() (*daemon.Client, error) {
		return nil, daemon.ErrDaemonNotRunning
	}
	t.Cleanup(c.Close)

	c.Init()
	waitState(t, c, StateDaemonNotRunning)

	// A valid steady state, not a failure.
	if _, err := c.State(); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	if _, ok := c.Shares(); ok {
		t.Error("share list authoritative while daemon not running")
	}
}

func TestInitFailure(t *testing.T) {
	boom := errors.New("socket exploded")
	c := NewConn(&config.Config{}, nil)
	c.connect = func() (*daemon.Client, error) { return nil, boom }
	t.Cleanup(c.Close)

	c.Init()
	waitState(t, c, StateFailed)

	if _, err := c.State(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	socket := startDaemonServer(t, nil)

	c := NewConn(&config.Config{}, nil)
	broken := true
	c.connect = func() (*daemon.Client, error) {
		if broken {
			return nil, errors.New("transient")
		}
		return daemon.ConnectTo(socket)
	}
	t.Cleanup(c.Close)

	c.Init()
	waitState(t, c, StateFailed)

	broken = false
	c.Retry()
	waitState(t, c, StateConnected)
}

func TestRetryIgnoredWhileConnected(t *testing.T) {
	socket := startDaemonServer(t, nil)
	c := newTestConn(t, socket)

	c.Init()
	waitState(t, c, StateConnected)

	client := c.Client()
	c.Retry()
	if state, _ := c.State(); state != StateConnected {
		t.Errorf("state = %s after Retry while connected", state)
	}
	if c.Client() != client {
		t.Error("Retry replaced a healthy connection")
	}
}

func TestStaleAttemptDiscarded(t *testing.T) {
	socket := startDaemonServer(t, nil)

	release := make(chan struct{})
	c := NewConn(&config.Config{}, nil)
	c.connect = func() (*daemon.Client, error) {
		<-release
		return daemon.ConnectTo(socket)
	}

	c.Init()
	c.Close()
	close(release)

	// The attempt finishes after Close superseded it; its outcome must be
	// dropped.
	time.Sleep(100 * time.Millisecond)
	if state, _ := c.State(); state != StateNotConnected {
		t.Errorf("state = %s, want not connected", state)
	}
	if c.Client() != nil {
		t.Error("stale client installed after Close")
	}
}

func TestSharesNotAuthoritativeWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := NewConn(&config.Config{}, nil)
	c.connect = func() (*daemon.Client, error) {
		<-release
		return nil, daemon.ErrDaemonNotRunning
	}
	t.Cleanup(c.Close)

	c.Init()
	if state, _ := c.State(); state != StateConnecting {
		t.Fatalf("state = %s, want connecting", state)
	}
	if _, ok := c.Shares(); ok {
		t.Error("share list authoritative while connecting")
	}
}
