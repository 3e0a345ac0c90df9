package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/protocol"
)

// Sentinel errors returned by the client.
var (
	ErrDaemonNotRunning   = errors.New("daemon not running")
	ErrDaemonStartFailed  = errors.New("daemon failed to start")
	ErrTimeout            = errors.New("request timed out")
	ErrConnectionClosed   = errors.New("connection closed by daemon")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// DaemonError is an Error response from the daemon.
type DaemonError struct {
	Message string
}

func (e *DaemonError) Error() string { return e.Message }

// DefaultRequestTimeout bounds each request/response round trip. StartShare
// can legitimately take tens of seconds while a tunnel comes up.
const DefaultRequestTimeout = 90 * time.Second

const daemonStartWait = 5 * time.Second

// Client is a connection to the daemon socket. Not safe for concurrent use;
// each goroutine should hold its own client.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration
}

// Connect dials the daemon on the standard socket. Returns
// ErrDaemonNotRunning if nothing is listening.
func Connect() (*Client, error) {
	socketPath, err := paths.SocketPath()
	if err != nil {
		return nil, err
	}
	return ConnectTo(socketPath)
}

// ConnectTo dials the daemon on an explicit socket path.
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		if isDaemonDown(err) {
			return nil, fmt.Errorf("%w (socket %s)", ErrDaemonNotRunning, socketPath)
		}
		return nil, err
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: DefaultRequestTimeout,
	}, nil
}

// ConnectOrStart connects to the daemon, spawning one first if nothing is
// listening. The spawned daemon is fully detached so it outlives the caller.
func ConnectOrStart() (*Client, error) {
	client, err := Connect()
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, ErrDaemonNotRunning) {
		return nil, err
	}

	socketPath, err := paths.SocketPath()
	if err != nil {
		return nil, err
	}
	if err := spawnDaemon(); err != nil {
		return nil, err
	}
	if err := waitForSocket(socketPath, daemonStartWait); err != nil {
		return nil, err
	}
	return ConnectTo(socketPath)
}

func isDaemonDown(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// spawnDaemon re-executes this binary as a detached daemon process.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("%w: locate binary: %v", ErrDaemonStartFailed, err)
	}
	cmd := exec.Command(exe, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session so the daemon survives the caller's terminal closing.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonStartFailed, err)
	}
	return cmd.Process.Release()
}

// waitForSocket polls until the daemon answers on its socket.
func waitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: socket %s not ready after %s", ErrDaemonStartFailed, socketPath, timeout)
		}
		<-ticker.C
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetTimeout overrides the per-request deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// call performs one request/response round trip under the client timeout.
func (c *Client) call(req protocol.Request) (protocol.Response, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return protocol.Response{}, err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := protocol.WriteFrame(c.writer, req); err != nil {
		return protocol.Response{}, c.mapErr(err)
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(c.reader, &resp); err != nil {
		return protocol.Response{}, c.mapErr(err)
	}
	if resp.Status == protocol.RespError {
		return protocol.Response{}, &DaemonError{Message: protocol.DecodeError(resp)}
	}
	return resp, nil
}

func (c *Client) mapErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return ErrConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}

// Ping checks the daemon is responsive.
func (c *Client) Ping() error {
	resp, err := c.call(protocol.NewPing())
	if err != nil {
		return err
	}
	if resp.Status != protocol.RespPong {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Status)
	}
	return nil
}

// StartShare asks the daemon to share the given transcript. The provider
// name may be empty to use the daemon's default.
func (c *Client) StartShare(sessionPath, provider string) (protocol.ShareInfo, error) {
	resp, err := c.call(protocol.NewStartShare(sessionPath, provider))
	if err != nil {
		return protocol.ShareInfo{}, err
	}
	if resp.Status != protocol.RespShareStarted {
		return protocol.ShareInfo{}, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Status)
	}
	return protocol.DecodeShareStarted(resp)
}

// StopShare asks the daemon to stop a share.
func (c *Client) StopShare(id protocol.ShareID) error {
	resp, err := c.call(protocol.NewStopShare(id))
	if err != nil {
		return err
	}
	if resp.Status != protocol.RespShareStopped {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Status)
	}
	return nil
}

// ListShares fetches every recorded share.
func (c *Client) ListShares() ([]protocol.ShareInfo, error) {
	resp, err := c.call(protocol.NewListShares())
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.RespShareList {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Status)
	}
	return protocol.DecodeShareList(resp)
}

// Shutdown asks the daemon to exit gracefully.
func (c *Client) Shutdown() error {
	resp, err := c.call(protocol.NewShutdown())
	if err != nil {
		return err
	}
	if resp.Status != protocol.RespShuttingDown {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Status)
	}
	return nil
}
