package cli

import (
	"fmt"
	"strings"

	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/scanner"
	"github.com/tracecast/tracecast/internal/tunnel"
)

// CheckResult reports environment readiness.
type CheckResult struct {
	StateDir      string        `json:"state_dir"`
	SessionRoot   string        `json:"session_root"`
	SessionsFound int           `json:"sessions_found"`
	DaemonRunning bool          `json:"daemon_running"`
	Providers     []tunnel.Info `json:"providers"`
}

// Check inspects tunnel binaries, the session directory and the daemon.
func Check() (*CheckResult, error) {
	stateDir, err := paths.StateDir()
	if err != nil {
		return nil, err
	}
	root, err := scanner.DefaultRoot()
	if err != nil {
		return nil, err
	}
	result := &CheckResult{
		StateDir:    stateDir,
		SessionRoot: root,
		Providers:   tunnel.Detect(tunnel.Options{}),
	}

	if sessions, err := scanner.ScanDirectory(result.SessionRoot); err == nil {
		result.SessionsFound = len(sessions)
	}

	status, err := DaemonStatus()
	if err == nil {
		result.DaemonRunning = status.Running && status.Status == "running"
	}
	return result, nil
}

// FormatCheck renders a check result for humans.
func FormatCheck(r *CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State directory: %s\n", r.StateDir)
	fmt.Fprintf(&b, "Session root:    %s (%d sessions)\n", r.SessionRoot, r.SessionsFound)
	if r.DaemonRunning {
		b.WriteString("Daemon:          running\n")
	} else {
		b.WriteString("Daemon:          stopped\n")
	}
	b.WriteString("Tunnel providers:\n")
	for _, p := range r.Providers {
		mark := "✗"
		if p.Available {
			mark = "✓"
		}
		fmt.Fprintf(&b, "  %s %s (%s)\n", mark, p.DisplayName, p.Name)
	}
	return b.String()
}
