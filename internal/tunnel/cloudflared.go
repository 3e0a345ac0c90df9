package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Cloudflared runs Cloudflare quick tunnels via the cloudflared CLI. Quick
// tunnels need no account; cloudflared prints a fresh trycloudflare.com URL
// on stderr at startup.
type Cloudflared struct {
	timeout time.Duration
}

const cloudflaredBinary = "cloudflared"

func NewCloudflared() *Cloudflared {
	return &Cloudflared{timeout: 30 * time.Second}
}

func (c *Cloudflared) Name() string        { return "cloudflare" }
func (c *Cloudflared) DisplayName() string { return "Cloudflare Quick Tunnel" }

func (c *Cloudflared) Available() bool { return binaryOnPath(cloudflaredBinary) }

func (c *Cloudflared) Spawn(port int) (*Handle, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, cloudflaredBinary)
	}

	cmd := exec.Command(cloudflaredBinary, "tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", port))
	cmd.SysProcAttr = detachedSysProcAttr()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capture cloudflared stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn cloudflared: %w", err)
	}

	type scanResult struct {
		url string
		err error
	}
	found := make(chan scanResult, 1)
	reader := bufio.NewReader(stderr)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if url, ok := scrapeURL(line, "trycloudflare.com"); ok {
				found <- scanResult{url: url}
				return
			}
			if err != nil {
				found <- scanResult{err: ErrProcessExited}
				return
			}
		}
	}()

	select {
	case res := <-found:
		if res.err != nil {
			killAndReap(cmd)
			return nil, fmt.Errorf("cloudflared: %w", res.err)
		}
		// Keep draining stderr so cloudflared never blocks on a full
		// pipe while logging.
		go func() { _, _ = io.Copy(io.Discard, reader) }()
		return newHandle(cmd, res.url, c.Name()), nil
	case <-time.After(c.timeout):
		killAndReap(cmd)
		return nil, fmt.Errorf("cloudflared: %w", ErrTimeout)
	}
}
