package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Tailscale shares the render server inside the user's tailnet with
// `tailscale serve`. This reaches only tailnet members, not the open
// internet, which is exactly what some users want.
type Tailscale struct {
	timeout time.Duration
}

const tailscaleBinary = "tailscale"

func NewTailscale() *Tailscale {
	return &Tailscale{timeout: 30 * time.Second}
}

func (t *Tailscale) Name() string        { return "tailscale" }
func (t *Tailscale) DisplayName() string { return "Tailscale Serve" }

func (t *Tailscale) Available() bool { return binaryOnPath(tailscaleBinary) }

func (t *Tailscale) loggedIn() bool {
	cmd := exec.Command(tailscaleBinary, "status", "--json")
	return cmd.Run() == nil
}

func (t *Tailscale) Spawn(port int) (*Handle, error) {
	if !t.Available() {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, tailscaleBinary)
	}
	if !t.loggedIn() {
		return nil, fmt.Errorf("%w: tailscale is not logged in", ErrNotAvailable)
	}

	// serve runs in the foreground and prints the tailnet URL; the serve
	// config lives in tailscaled, so the CLI process is just a leash.
	cmd := exec.Command(tailscaleBinary, "serve", fmt.Sprintf("http://127.0.0.1:%d", port))
	cmd.SysProcAttr = detachedSysProcAttr()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture tailscale stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capture tailscale stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn tailscale serve: %w", err)
	}

	// The URL lands on stdout or stderr depending on the CLI version;
	// scan both and keep draining so the CLI never blocks on a pipe.
	found := make(chan string, 1)
	done := make(chan struct{}, 2)
	scan := func(r io.Reader) {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if url, ok := scrapeURL(sc.Text(), ".ts.net"); ok {
				select {
				case found <- strings.TrimSuffix(url, "/"):
				default:
				}
			}
		}
		done <- struct{}{}
	}
	go scan(stdout)
	go scan(stderr)

	select {
	case url := <-found:
		h := newHandle(cmd, url, t.Name())
		h.stopFn = t.reset
		return h, nil
	case <-done:
		killAndReap(cmd)
		return nil, fmt.Errorf("tailscale serve: %w", ErrProcessExited)
	case <-time.After(t.timeout):
		killAndReap(cmd)
		return nil, fmt.Errorf("tailscale serve: %w", ErrTimeout)
	}
}

// reset clears the serve config from tailscaled; killing the CLI alone
// leaves the proxy running.
func (t *Tailscale) reset() error {
	return exec.Command(tailscaleBinary, "serve", "reset").Run()
}
