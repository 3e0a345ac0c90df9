package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tracecast/tracecast/internal/daemon"
	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/protocol"
)

// DaemonStatusResult contains daemon status information.
type DaemonStatusResult struct {
	Running      bool   `json:"running"`
	Status       string `json:"status"`
	PID          int    `json:"pid,omitempty"`
	Socket       string `json:"socket,omitempty"`
	Uptime       string `json:"uptime,omitempty"`
	ActiveShares int    `json:"active_shares"`
}

// DaemonStart starts the daemon in the background and waits until it
// answers on its socket.
func DaemonStart() error {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return err
	}
	running, info, err := daemon.CheckPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon is already running (PID %d)", info.PID)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(executable, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// Detach into a new session so the daemon outlives this terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	// Release instead of Wait: the parent exits immediately and the child
	// gets adopted by init.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	socketPath, err := paths.SocketPath()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		client, err := daemon.ConnectTo(socketPath)
		if err == nil {
			client.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not become ready within 10s")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// DaemonStop asks the daemon to shut down and waits for it to exit. Falls
// back to SIGTERM when the socket is unresponsive but the process lives.
func DaemonStop() error {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return err
	}
	running, info, err := daemon.CheckPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	client, err := daemon.Connect()
	if err == nil {
		err = client.Shutdown()
		client.Close()
	}
	if err != nil {
		// Socket dead but process alive. Signal it directly.
		proc, findErr := os.FindProcess(info.PID)
		if findErr != nil {
			return fmt.Errorf("find daemon process %d: %w", info.PID, findErr)
		}
		if sigErr := proc.Signal(syscall.SIGTERM); sigErr != nil {
			return fmt.Errorf("signal daemon: %w", sigErr)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		still, _, err := daemon.CheckPIDFile(pidPath)
		if err == nil && !still {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not exit within 10s")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// DaemonStatus reports whether a daemon is up and how many shares it has.
func DaemonStatus() (*DaemonStatusResult, error) {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return nil, err
	}
	running, info, err := daemon.CheckPIDFile(pidPath)
	if err != nil {
		return nil, fmt.Errorf("check daemon status: %w", err)
	}

	result := &DaemonStatusResult{Running: running, Status: "stopped"}
	if !running {
		return result, nil
	}

	result.PID = info.PID
	result.Socket = info.SocketPath
	if !info.StartedAt.IsZero() {
		result.Uptime = formatDuration(time.Since(info.StartedAt))
	}

	client, err := daemon.Connect()
	if err != nil {
		result.Status = "unresponsive"
		return result, nil
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		result.Status = "unresponsive"
		return result, nil
	}
	result.Status = "running"

	shares, err := client.ListShares()
	if err != nil {
		return result, nil
	}
	for _, s := range shares {
		if s.Status == protocol.StatusActive {
			result.ActiveShares++
		}
	}
	return result, nil
}

// FormatDaemonStatus renders a status result for humans.
func FormatDaemonStatus(r *DaemonStatusResult) string {
	var b strings.Builder
	if !r.Running {
		b.WriteString("Daemon: stopped\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Daemon: %s\n", r.Status)
	fmt.Fprintf(&b, "  PID:           %d\n", r.PID)
	if r.Socket != "" {
		fmt.Fprintf(&b, "  Socket:        %s\n", r.Socket)
	}
	if r.Uptime != "" {
		fmt.Fprintf(&b, "  Uptime:        %s\n", r.Uptime)
	}
	fmt.Fprintf(&b, "  Active shares: %d\n", r.ActiveShares)
	return b.String()
}

// IsNotRunning reports whether err means no daemon was there to talk to.
func IsNotRunning(err error) bool {
	return errors.Is(err, daemon.ErrDaemonNotRunning)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
