// Package tunnel abstracts the vendor subprocesses that expose a local
// render server to the public internet. Every provider wraps an external
// CLI; nothing here embeds a tunnel client.
package tunnel

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrBinaryNotFound means the provider's CLI is not on PATH.
	ErrBinaryNotFound = errors.New("tunnel binary not found")
	// ErrURLParse means the subprocess started but never reported a URL.
	ErrURLParse = errors.New("could not parse tunnel URL from output")
	// ErrTimeout means the subprocess did not produce a URL in time.
	ErrTimeout = errors.New("timed out waiting for tunnel URL")
	// ErrProcessExited means the subprocess died before reporting a URL.
	ErrProcessExited = errors.New("tunnel process exited unexpectedly")
	// ErrNotAvailable means the provider cannot run in this environment.
	ErrNotAvailable = errors.New("tunnel provider not available")
)

// Provider spawns tunnel subprocesses for one vendor.
type Provider interface {
	// Name is the canonical provider name used in config and the store.
	Name() string
	// DisplayName is the human-facing name for status output.
	DisplayName() string
	// Available reports whether the provider can run here (binary on
	// PATH, logged in where that matters).
	Available() bool
	// Spawn starts a tunnel to 127.0.0.1:port and blocks until the
	// public URL is known or the provider's startup timeout passes.
	Spawn(port int) (*Handle, error)
}

// Handle owns one running tunnel subprocess.
type Handle struct {
	URL      string
	provider string

	cmd  *exec.Cmd
	wait chan error // result of cmd.Wait, buffered

	// stopFn runs extra teardown after the subprocess is gone, for
	// vendors whose tunnel state lives outside the spawned process.
	stopFn func() error
}

// stopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const stopGrace = 5 * time.Second

func newHandle(cmd *exec.Cmd, url, provider string) *Handle {
	h := &Handle{URL: url, provider: provider, cmd: cmd, wait: make(chan error, 1)}
	go func() { h.wait <- cmd.Wait() }()
	return h
}

// newDetachedHandle builds a handle with no subprocess behind it. Used by
// the mock provider and by tailscale, whose serve state outlives the CLI.
func newDetachedHandle(url, provider string) *Handle {
	return &Handle{URL: url, provider: provider}
}

// Provider returns the name of the provider that spawned this tunnel.
func (h *Handle) Provider() string { return h.provider }

// Running reports whether the subprocess is still alive. Handles without
// a subprocess always report false.
func (h *Handle) Running() bool {
	if h.cmd == nil {
		return false
	}
	select {
	case err := <-h.wait:
		h.wait <- err
		return false
	default:
		return true
	}
}

// Stop terminates the subprocess: SIGTERM first, SIGKILL after a grace
// period. Safe to call on an already-dead tunnel.
func (h *Handle) Stop() error {
	if err := h.stopProcess(); err != nil {
		return err
	}
	if h.stopFn != nil {
		fn := h.stopFn
		h.stopFn = nil
		return fn()
	}
	return nil
}

func (h *Handle) stopProcess() error {
	if h.cmd == nil || h.cmd.Process == nil || !h.Running() {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}
	select {
	case <-h.wait:
		return nil
	case <-time.After(stopGrace):
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill %s tunnel: %w", h.provider, err)
	}
	<-h.wait
	return nil
}

// Info describes one provider for doctor-style output.
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Available   bool   `json:"available"`
}

// Options carries provider configuration resolved from the config file.
type Options struct {
	NgrokToken string
}

// ByName resolves a provider by name, case-insensitively. Vendor aliases
// map to the canonical provider.
func ByName(name string, opts Options) (Provider, error) {
	switch strings.ToLower(name) {
	case "cloudflare", "cloudflared":
		return NewCloudflared(), nil
	case "ngrok":
		return NewNgrok(opts.NgrokToken), nil
	case "tailscale":
		return NewTailscale(), nil
	case "mock":
		return NewMockFromEnv(), nil
	}
	return nil, fmt.Errorf("unknown tunnel provider %q", name)
}

// All returns every real provider, in preference order.
func All(opts Options) []Provider {
	return []Provider{NewCloudflared(), NewNgrok(opts.NgrokToken), NewTailscale()}
}

// Detect reports the install state of every real provider.
func Detect(opts Options) []Info {
	var infos []Info
	for _, p := range All(opts) {
		infos = append(infos, Info{Name: p.Name(), DisplayName: p.DisplayName(), Available: p.Available()})
	}
	return infos
}

func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// scrapeURL finds the first https URL in line whose host contains domain.
func scrapeURL(line, domain string) (string, bool) {
	start := strings.Index(line, "https://")
	if start < 0 {
		return "", false
	}
	rest := line[start:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '|' || r == '\n' || r == '\r'
	})
	if end < 0 {
		end = len(rest)
	}
	url := rest[:end]
	if !strings.Contains(url, domain) {
		return "", false
	}
	return url, true
}

func killAndReap(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

// Tunnel subprocesses get their own process group so terminal signals
// aimed at the daemon do not take the tunnels down with it.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
